// Command mstp-gateway runs one MS/TP master or slave node on an
// RS-485 serial line, mirroring link state and bridging PDUs through
// Redis so it can stand in for the upper BACnet network layer
// (spec.md §6 "upper-layer datalink contract").
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/librescoot/mstp-gateway/internal/gateway"
	"github.com/librescoot/mstp-gateway/internal/metrics"
	"github.com/librescoot/mstp-gateway/internal/mstp"
	"github.com/librescoot/mstp-gateway/internal/mstpframe"
	"github.com/librescoot/mstp-gateway/internal/rs485"
)

var (
	serialDevice   = flag.String("serial", "/dev/ttyUSB0", "RS-485 serial device path")
	baudRate       = flag.Int("baud", 38400, "serial baud rate (9600, 19200, 38400, 57600, 76800, 115200)")
	macAddress     = flag.Int("mac", 0, "this station's MS/TP MAC address (0-127 master, 128-254 slave)")
	maxMaster      = flag.Int("max-master", int(mstp.DefaultMaxMaster), "highest master MAC address expected on the bus")
	maxInfoFrames  = flag.Int("max-info-frames", int(mstp.DefaultMaxInfoFrames), "frames transmitted per token hold before passing it on")
	redisAddr      = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass      = flag.String("redis-pass", "", "Redis password")
	redisDB        = flag.Int("redis-db", 0, "Redis database number")
	metricsAddr    = flag.String("metrics-addr", ":9090", "Prometheus /metrics listen address")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting MS/TP gateway")
	log.Printf("Serial device: %s", *serialDevice)
	log.Printf("Baud rate: %d", *baudRate)
	log.Printf("MAC address: %d", *macAddress)
	log.Printf("Redis address: %s", *redisAddr)

	if !mstp.ValidBaudRates[*baudRate] {
		log.Fatalf("invalid baud rate %d", *baudRate)
	}
	if *macAddress < 0 || *macAddress > 254 {
		log.Fatalf("invalid MAC address %d", *macAddress)
	}

	redisClient, err := gateway.NewRedisClient(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis")

	driver, err := rs485.Open(*serialDevice, *baudRate)
	if err != nil {
		log.Fatalf("Failed to open RS-485 line: %v", err)
	}
	defer driver.Close()
	log.Printf("Opened %s at %d baud", *serialDevice, *baudRate)

	// The port is constructed with a placeholder address; its real
	// identity and tuning, like any later live reconfiguration, flow
	// through Port.Config so the master task is the only writer (§1
	// "runtime reconfiguration ... delivered over a buffered Go channel").
	port := mstp.NewPort(0, mstpframe.MaxDataLen, mstpframe.MaxFrameLen)
	port.Counters = metrics.New(prometheus.DefaultRegisterer)
	port.Config <- mstp.SetMacAddress(uint8(*macAddress))
	if *maxMaster != int(mstp.DefaultMaxMaster) {
		port.Config <- mstp.SetMaxMaster(uint8(*maxMaster))
	}
	if *maxInfoFrames != int(mstp.DefaultMaxInfoFrames) {
		port.Config <- mstp.SetMaxInfoFrames(uint8(*maxInfoFrames))
	}

	gw := gateway.New(port, driver, redisClient)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Printf("Serving metrics on %s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		close(stop)
	}()

	gw.Run(stop)
}
