// Package gateway wires an MS/TP mstp.Port to an RS-485 line and a
// Redis state mirror/command bus, standing in for the upper BACnet
// network layer that spec.md treats as an external collaborator
// (§1 "Out of scope"). It is the "Port glue" component of §2.
package gateway

import (
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/librescoot/mstp-gateway/internal/mstp"
	"github.com/librescoot/mstp-gateway/internal/rs485"
)

// Redis keys the gateway mirrors link state into and bridges PDUs and
// config commands through, in the teacher's
// WriteAndPublishString/BRPop/LPush idiom (pkg/redis/client.go).
const (
	KeyLink     = "mstp"
	KeySend     = "mstp:send"
	KeyReceived = "mstp:received"
	KeyConfig   = "mstp:config"
)

// Gateway spawns the receive and master/slave tasks of §5 as peer
// goroutines and, when Redis is configured, bridges the outbound PDU
// queue, inbound receive slot, and live reconfiguration commands
// through it.
type Gateway struct {
	Port   *mstp.Port
	Driver *rs485.Driver
	Redis  *RedisClient

	lastState string
}

// New builds a gateway around an already-constructed port and driver.
func New(port *mstp.Port, driver *rs485.Driver, redisClient *RedisClient) *Gateway {
	port.Driver = driver
	return &Gateway{
		Port:   port,
		Driver: driver,
		Redis:  redisClient,
	}
}

// Run starts the receive task, the master/slave task, and (if Redis is
// configured) the Redis bridges, then blocks until stop is closed.
// Per spec.md Design Notes §9(c), the receive and FSM tasks are two
// peer goroutines synchronized only through Port's frame-event flags,
// PDU queue, and receive slot — never one calling the other inline.
func (g *Gateway) Run(stop <-chan struct{}) {
	go g.receiveLoop(stop)
	go g.fsmLoop(stop)
	if g.Redis != nil {
		go g.sendBridge(stop)
		go g.receiveBridge(stop)
		go g.configBridge(stop)
	}
	<-stop
}

// receiveLoop is the receive task (§5): pump the line driver's FIFO and
// step the receive FSM one octet at a time while data remains; sleep
// briefly when the line is quiet so the loop doesn't spin the host CPU.
func (g *Gateway) receiveLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		g.Driver.CheckUARTData(g.Port)
		g.Port.ReceiveFrameFSM()
		if !g.Port.DataAvailable {
			time.Sleep(time.Millisecond)
		}
	}
}

// fsmLoop is the master/slave task (§5): apply any pending
// reconfiguration, then drive the FSM, looping without delay while it
// reports an immediate transition.
func (g *Gateway) fsmLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		g.Port.ApplyConfig()

		// This_Station in [128,254] is always a slave (spec.md §4.4);
		// re-checked every tick since a reconfigured MAC address can
		// move a port between roles.
		var again bool
		if g.Port.ThisStation <= 127 {
			again = g.Port.MasterFSM()
		} else {
			again = g.Port.SlaveFSM()
		}
		g.publishLinkState()
		if !again {
			time.Sleep(time.Millisecond)
		}
	}
}

// publishLinkState mirrors the port's token-passing state into the
// KeyLink hash, publishing only when something actually changed so a
// quiet bus doesn't flood Redis.
func (g *Gateway) publishLinkState() {
	soleMaster := "false"
	if g.Port.SoleMaster {
		soleMaster = "true"
	}
	state := fmt.Sprintf("%s:%d:%s", masterStateName(g.Port.MasterState), g.Port.NextStation, soleMaster)
	if state == g.lastState {
		return
	}
	g.lastState = state

	if g.Redis == nil {
		return
	}
	if err := g.Redis.WriteAndPublishString(KeyLink, "state", masterStateName(g.Port.MasterState)); err != nil {
		log.Printf("gateway: publish link state: %v", err)
	}
	if err := g.Redis.WriteInt(KeyLink, "this-station", int(g.Port.ThisStation)); err != nil {
		log.Printf("gateway: write this-station: %v", err)
	}
	if err := g.Redis.WriteInt(KeyLink, "next-station", int(g.Port.NextStation)); err != nil {
		log.Printf("gateway: write next-station: %v", err)
	}
	if err := g.Redis.WriteString(KeyLink, "sole-master", soleMaster); err != nil {
		log.Printf("gateway: write sole-master: %v", err)
	}
	// [DATALINK-API] get_my_address: mirror this port's own BACnet
	// address so a subscriber can address replies back to it.
	myAddress := g.Port.MyAddress()
	if err := g.Redis.WriteInt(KeyLink, "my-address-mac", int(myAddress.Mac[0])); err != nil {
		log.Printf("gateway: write my-address: %v", err)
	}
}

// sendBridge implements send_pdu's remote counterpart: it pops
// "dest-hex:payload-hex" entries off KeySend and enqueues them on the
// port's outbound PDU queue, standing in for an upper layer's send call.
func (g *Gateway) sendBridge(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		result, err := g.Redis.BRPop(time.Second, KeySend)
		if err != nil {
			log.Printf("gateway: send bridge: %v", err)
			continue
		}
		if result == nil {
			continue
		}
		dest, pdu, err := decodeSendRequest(result[1])
		if err != nil {
			log.Printf("gateway: malformed send request %q: %v", result[1], err)
			continue
		}
		if n := g.Port.Queue.Send(dest, pdu); n == 0 {
			log.Printf("gateway: outbound queue full, dropping pdu for station %d", dest)
		}
	}
}

// receiveBridge implements receive's remote counterpart: it drains the
// port's inbound receive slot and pushes "source-hex:payload-hex"
// entries onto KeyReceived.
func (g *Gateway) receiveBridge(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		src, pdu, ok := g.Port.ReceiveSlot.Receive(time.Second)
		if !ok {
			continue
		}
		mac := byte(mstp.Broadcast)
		if src.MacLen == 1 {
			mac = src.Mac[0]
		}
		entry := fmt.Sprintf("%02x:%s", mac, hex.EncodeToString(pdu))
		if err := g.Redis.LPush(KeyReceived, entry); err != nil {
			log.Printf("gateway: push received pdu: %v", err)
		}
	}
}

func decodeSendRequest(s string) (byte, []byte, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, nil, fmt.Errorf("expected dest:payload")
	}

	// [DATALINK-API] get_broadcast_address: the literal "broadcast"
	// resolves through the same accessor the upper layer would use,
	// rather than requiring callers to know the reserved MAC value.
	var dest uint64
	if parts[0] == "broadcast" {
		dest = uint64(mstp.BroadcastAddress().Mac[0])
	} else {
		var err error
		dest, err = strconv.ParseUint(parts[0], 16, 8)
		if err != nil {
			return 0, nil, fmt.Errorf("dest: %v", err)
		}
	}

	pdu, err := hex.DecodeString(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("payload: %v", err)
	}
	return byte(dest), pdu, nil
}

// configBridge implements the live-reconfiguration side of spec.md §1's
// channel-delivered config: it pops "field:value" commands off KeyConfig
// and posts the matching ConfigUpdate onto the port's Config channel, the
// same path cmd/mstp-gateway uses for its startup flags.
func (g *Gateway) configBridge(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		result, err := g.Redis.BRPop(time.Second, KeyConfig)
		if err != nil {
			log.Printf("gateway: config bridge: %v", err)
			continue
		}
		if result == nil {
			continue
		}
		if err := applyConfigCommand(g.Port, result[1]); err != nil {
			log.Printf("gateway: malformed config command %q: %v", result[1], err)
		}
	}
}

// applyConfigCommand parses one "field:value" command and posts it onto
// port.Config. Recognized fields: mac, max-master, max-info-frames,
// baud, reply-timeout, usage-timeout (the last two in milliseconds).
func applyConfigCommand(port *mstp.Port, s string) error {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected field:value")
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("value: %v", err)
	}

	switch parts[0] {
	case "mac":
		port.Config <- mstp.SetMacAddress(uint8(n))
	case "max-master":
		port.Config <- mstp.SetMaxMaster(uint8(n))
	case "max-info-frames":
		port.Config <- mstp.SetMaxInfoFrames(uint8(n))
	case "baud":
		port.Config <- mstp.SetBaudRate(n)
	case "reply-timeout":
		port.Config <- mstp.SetReplyTimeout(time.Duration(n) * time.Millisecond)
	case "usage-timeout":
		port.Config <- mstp.SetUsageTimeout(time.Duration(n) * time.Millisecond)
	default:
		return fmt.Errorf("unknown field %q", parts[0])
	}
	return nil
}

func masterStateName(s mstp.MasterState) string {
	switch s {
	case mstp.StateInitialize:
		return "initialize"
	case mstp.StateIdleMaster:
		return "idle"
	case mstp.StateUseToken:
		return "use-token"
	case mstp.StateWaitForReply:
		return "wait-for-reply"
	case mstp.StateDoneWithToken:
		return "done-with-token"
	case mstp.StatePassToken:
		return "pass-token"
	case mstp.StateNoToken:
		return "no-token"
	case mstp.StatePollForMaster:
		return "poll-for-master"
	case mstp.StateAnswerDataRequest:
		return "answer-data-request"
	default:
		return "unknown"
	}
}
