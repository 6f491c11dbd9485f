package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/procwise/pidloop/cmd/app"
	httpctrl "github.com/procwise/pidloop/internal/controllers/http"
	modbusctrl "github.com/procwise/pidloop/internal/controllers/modbus"
	mqttctrl "github.com/procwise/pidloop/internal/controllers/mqtt"
	"github.com/procwise/pidloop/internal/loop"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file (.yaml/.yml/.json)")
	flag.Parse()

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	l, err := loop.New(cfg.Snapshot())
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Plant.Enabled {
		plant, err := loop.NewPlant(cfg.PlantParams())
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("plant simulator on (gain=%g tau=%gs)", cfg.Plant.Gain, cfg.Plant.TimeConstant)
		g.Go(func() error {
			return l.RunPlant(ctx, plant, cfg.Plant.Interval)
		})
	}

	g.Go(func() error {
		return l.Run(ctx, cfg.Loop.Interval)
	})

	if cfg.Controllers.HTTP.Enabled {
		srv := httpctrl.New(l, cfg.Controllers.HTTP.Addr, cfg.DeviceID)
		log.Printf("http listening on %s", cfg.Controllers.HTTP.Addr)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	if cfg.Controllers.MQTT.Enabled {
		m := cfg.Controllers.MQTT
		ctrl, err := mqttctrl.New(l, mqttctrl.Config{
			DeviceID:        cfg.DeviceID,
			BrokerURL:       m.BrokerURL,
			ClientID:        m.ClientID,
			BaseTopic:       m.BaseTopic,
			QoS:             m.QoS,
			RetainSnapshot:  m.RetainSnapshot,
			PublishInterval: m.PublishInterval,
			Username:        m.Username,
			Password:        m.Password,
		})
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("mqtt broker %s", m.BrokerURL)
		g.Go(func() error {
			return ctrl.Run(ctx)
		})
	}

	if cfg.Controllers.Modbus.Enabled {
		mb := cfg.Controllers.Modbus
		ctrl, err := modbusctrl.New(l, modbusctrl.Config{
			DeviceID: cfg.DeviceID,
			Addr:     mb.Addr,
			UnitID:   mb.UnitID,
		})
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("modbus listening on %s (unit %d)", mb.Addr, mb.UnitID)
		g.Go(func() error {
			return ctrl.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("exited: %v", err)
	}
}
