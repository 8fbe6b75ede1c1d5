package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/waggle-sensor/opcn2/internal/db"
	"github.com/waggle-sensor/opcn2/internal/monitoring"
	"github.com/waggle-sensor/opcn2/internal/protocol"
)

func (c *cli) handleFirmware(ctx context.Context, args []string) error {
	fs := c.newFlagSet("firmware")
	common := addCommonFlags(fs)
	if help, err := parse(fs, args); help || err != nil {
		return err
	}

	env, err := c.openDevice(common, openOptions{skipFirmwareCheck: true})
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.session.PowerOn(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	fw, err := env.session.ReadFirmware(ctx)
	if err != nil {
		return err
	}

	out := struct {
		*protocol.FirmwareVersion
		Revision  string `json:"revision,omitempty"`
		Supported bool   `json:"supported"`
	}{FirmwareVersion: fw}
	if set, err := protocol.SelectRevision(fw.Text); err == nil {
		out.Revision = set.Revision
		out.Supported = true
	}
	return json.NewEncoder(c.stdout).Encode(out)
}

func (c *cli) handleConfig(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: opcn2 config dump|write|restore|snapshots [options]")
	}
	switch args[0] {
	case "dump":
		return c.configDump(ctx, args[1:])
	case "write":
		return c.configWrite(ctx, args[1:])
	case "restore":
		return c.configRestore(ctx, args[1:])
	case "snapshots":
		return c.configSnapshots(args[1:])
	default:
		return fmt.Errorf("unknown config action: %s", args[0])
	}
}

// snapshot reads the current block and stores it with note.
func (c *cli) snapshot(ctx context.Context, env *deviceEnv, note string) (*db.ConfigSnapshot, error) {
	raw, err := env.session.ReadConfigBytes(ctx)
	if err != nil {
		return nil, err
	}
	snap := &db.ConfigSnapshot{
		SessionID: env.session.ID(),
		PortPath:  env.cfg.GetPort(),
		Raw:       raw,
		Note:      note,
		TakenAt:   c.clock.Now(),
	}
	if fw := env.session.Firmware(); fw != nil {
		snap.Firmware = fw.Text
	}
	if _, err := env.store.RecordConfigSnapshot(snap); err != nil {
		return nil, err
	}
	monitoring.Logf("stored config snapshot %d for %s (%s)", snap.ID, snap.PortPath, note)
	return snap, nil
}

func (c *cli) configDump(ctx context.Context, args []string) error {
	fs := c.newFlagSet("config dump")
	common := addCommonFlags(fs)
	save := fs.Bool("save", true, "Store the block as a snapshot")
	note := fs.String("note", "dump", "Snapshot note")
	if help, err := parse(fs, args); help || err != nil {
		return err
	}

	env, err := c.openDevice(common, openOptions{store: *save})
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.session.PowerOn(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}

	var raw []byte
	if *save {
		snap, err := c.snapshot(ctx, env, *note)
		if err != nil {
			return err
		}
		raw = snap.Raw
	} else if raw, err = env.session.ReadConfigBytes(ctx); err != nil {
		return err
	}

	cfg, err := protocol.DecodeConfig(raw)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

// configWrite overlays a JSON file on the current block and writes it back.
// Fields absent from the file keep their current values.
func (c *cli) configWrite(ctx context.Context, args []string) error {
	fs := c.newFlagSet("config write")
	common := addCommonFlags(fs)
	file := fs.String("file", "", "JSON file with the fields to change (required)")
	if help, err := parse(fs, args); help || err != nil {
		return err
	}
	if *file == "" {
		return errors.New("--file is required")
	}
	patch, err := os.ReadFile(filepath.Clean(*file))
	if err != nil {
		return fmt.Errorf("read %s: %w", *file, err)
	}

	env, err := c.openDevice(common, openOptions{store: true})
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.session.PowerOn(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	before, err := c.snapshot(ctx, env, "before write")
	if err != nil {
		return err
	}
	cfg, err := before.Config()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(patch, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", *file, err)
	}
	if err := env.session.WriteConfig(ctx, cfg); err != nil {
		return fmt.Errorf("write config (restore with snapshot %d): %w", before.ID, err)
	}

	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func (c *cli) configRestore(ctx context.Context, args []string) error {
	fs := c.newFlagSet("config restore")
	common := addCommonFlags(fs)
	id := fs.Int64("id", 0, "Snapshot ID (default: latest for the port)")
	if help, err := parse(fs, args); help || err != nil {
		return err
	}

	env, err := c.openDevice(common, openOptions{store: true})
	if err != nil {
		return err
	}
	defer env.close()

	var snap *db.ConfigSnapshot
	if *id > 0 {
		snap, err = env.store.GetConfigSnapshot(*id)
	} else {
		snap, err = env.store.LatestConfigSnapshot(env.cfg.GetPort())
	}
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("no config snapshot found for %s", env.cfg.GetPort())
	}

	if err := env.session.PowerOn(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	if _, err := c.snapshot(ctx, env, fmt.Sprintf("before restore of %d", snap.ID)); err != nil {
		return err
	}
	if err := env.session.WriteConfigBytes(ctx, snap.Raw); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "restored snapshot %d (%s) to %s\n", snap.ID, snap.TakenAt.UTC().Format("2006-01-02T15:04:05Z"), env.cfg.GetPort())
	return nil
}

func (c *cli) configSnapshots(args []string) error {
	fs := c.newFlagSet("config snapshots")
	common := addCommonFlags(fs)
	all := fs.Bool("all", false, "List snapshots for every port")
	limit := fs.Int("limit", 20, "Maximum number of snapshots")
	if help, err := parse(fs, args); help || err != nil {
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	store, err := c.openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	port := cfg.GetPort()
	if common.profile != "" {
		p, err := store.GetSensorPortByName(common.profile)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("no port profile named %q", common.profile)
		}
		port = p.PortPath
	}
	if *all {
		port = ""
	}

	snaps, err := store.ConfigSnapshots(port, *limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.stdout)
	for _, s := range snaps {
		line := struct {
			ID        int64  `json:"id"`
			TakenAt   string `json:"taken_at"`
			PortPath  string `json:"port_path"`
			Firmware  string `json:"firmware"`
			SessionID string `json:"session_id"`
			Note      string `json:"note"`
		}{s.ID, s.TakenAt.UTC().Format("2006-01-02T15:04:05.000Z"), s.PortPath, s.Firmware, s.SessionID.String(), s.Note}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
