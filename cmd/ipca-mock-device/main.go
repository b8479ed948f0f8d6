// Command ipca-mock-device runs the mockengine loopback server as a
// standalone process holding one long-lived simulated device, outside the
// test process. Its websocket listens on an ephemeral localhost port that is
// not reported; ipca-shell does not connect to it and starts its own
// in-process engine instead.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devicecore/ipca/internal/ipca"
	"github.com/devicecore/ipca/internal/ipca/mockengine"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	deviceID := flag.String("device-id", "00000000-0000-0000-0000-0000000000aa", "simulated device UUID")
	host := flag.String("host", "coap://127.0.0.1:5683", "simulated device host URI reported to discovery")
	name := flag.String("name", "mock-device", "simulated device name")
	flag.Parse()

	engine, err := mockengine.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start mock engine")
	}
	defer engine.Close()

	engine.Seed(mockengine.Device{
		DeviceID:  *deviceID,
		Host:      *host,
		Name:      *name,
		SWVersion: "1.0.0",
		Resources: []mockengine.Resource{
			{
				Path:       "/sensor/1",
				Types:      []string{"oic.r.temperature"},
				Interfaces: []string{"oic.if.s", "oic.if.baseline"},
				Observable: true,
				Properties: ipca.Representation{"temperature": 21.5, "units": "C"},
			},
		},
	})

	log.Info().Str("device_id", *deviceID).Str("host", *host).Msg("mock device serving")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("mock device shutting down")
}
