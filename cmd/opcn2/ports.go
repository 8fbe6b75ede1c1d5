package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/waggle-sensor/opcn2/internal/db"
	"github.com/waggle-sensor/opcn2/internal/transport"
)

func (c *cli) handlePorts(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: opcn2 ports list|add|rm [options]")
	}
	switch args[0] {
	case "list":
		return c.portsList(args[1:])
	case "add":
		return c.portsAdd(args[1:])
	case "rm":
		return c.portsRemove(args[1:])
	default:
		return fmt.Errorf("unknown ports action: %s", args[0])
	}
}

func (c *cli) portsStore(common *commonFlags) (*db.DB, error) {
	cfg, err := common.loadConfig()
	if err != nil {
		return nil, err
	}
	return c.openStore(cfg)
}

// portsList prints the saved profiles and, with --scan, the serial ports the
// host can see.
func (c *cli) portsList(args []string) error {
	fs := c.newFlagSet("ports list")
	common := addCommonFlags(fs)
	scan := fs.Bool("scan", false, "Also enumerate serial ports on this host")
	if help, err := parse(fs, args); help || err != nil {
		return err
	}

	store, err := c.portsStore(common)
	if err != nil {
		return err
	}
	defer store.Close()

	profiles, err := store.GetSensorPorts()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.stdout)
	for _, p := range profiles {
		if err := enc.Encode(struct {
			Kind string `json:"kind"`
			db.SensorPort
		}{"profile", p}); err != nil {
			return err
		}
	}

	if !*scan {
		return nil
	}
	found, err := c.listPorts()
	if err != nil {
		return err
	}
	for _, p := range found {
		if err := enc.Encode(struct {
			Kind   string `json:"kind"`
			USBISS bool   `json:"usb_iss"`
			transport.PortInfo
		}{"detected", p.IsUSBISS(), p}); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) portsAdd(args []string) error {
	fs := c.newFlagSet("ports add")
	common := addCommonFlags(fs)
	name := fs.String("name", "", "Profile name (required)")
	path := fs.String("path", "", "Device path (required)")
	kind := fs.String("kind", "usbiss", "Transport: usbiss or serial")
	baud := fs.Int("baud", 0, "Baud rate (default 57600)")
	freq := fs.Int("spi-frequency", 0, "USB-ISS SPI clock in Hz (default 500000)")
	description := fs.String("description", "", "Free-form description")
	disabled := fs.Bool("disabled", false, "Store the profile disabled")
	if help, err := parse(fs, args); help || err != nil {
		return err
	}

	store, err := c.portsStore(common)
	if err != nil {
		return err
	}
	defer store.Close()

	p := &db.SensorPort{
		Name:           *name,
		PortPath:       *path,
		Transport:      *kind,
		BaudRate:       *baud,
		SPIFrequencyHz: *freq,
		Enabled:        !*disabled,
		Description:    *description,
	}
	if _, err := store.CreateSensorPort(p); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "added port profile %d %q (%s %s)\n", p.ID, p.Name, p.Transport, p.PortPath)
	return nil
}

func (c *cli) portsRemove(args []string) error {
	fs := c.newFlagSet("ports rm")
	common := addCommonFlags(fs)
	name := fs.String("name", "", "Profile name")
	id := fs.Int("id", 0, "Profile ID")
	if help, err := parse(fs, args); help || err != nil {
		return err
	}
	if *name == "" && *id == 0 {
		return errors.New("--name or --id is required")
	}

	store, err := c.portsStore(common)
	if err != nil {
		return err
	}
	defer store.Close()

	if *id == 0 {
		p, err := store.GetSensorPortByName(*name)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("no port profile named %q", *name)
		}
		*id = p.ID
	}
	if err := store.DeleteSensorPort(*id); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "removed port profile %d\n", *id)
	return nil
}
