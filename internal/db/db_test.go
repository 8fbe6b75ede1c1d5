package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggle-sensor/opcn2/internal/protocol"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "opcn2.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous)
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	latest, err := LatestMigrationVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(MigrationsFS()), "already at latest")

	require.NoError(t, db.MigrateDown(MigrationsFS()))
	version, _, err = db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'config_snapshots'`).Scan(&n))
	assert.Zero(t, n)
}

func TestMigrateVersion_FreshDatabase(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
}

func TestSensorPorts(t *testing.T) {
	db := newTestDB(t)

	ports, err := db.GetSensorPorts()
	require.NoError(t, err)
	assert.Empty(t, ports)

	p := &SensorPort{Name: "roof", PortPath: "/dev/ttyACM0", Enabled: true, Description: "north mast"}
	id, err := db.CreateSensorPort(p)
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.Equal(t, int(id), p.ID)

	got, err := db.GetSensorPort(p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "usbiss", got.Transport)
	assert.Equal(t, 57600, got.BaudRate)
	assert.Equal(t, "N", got.Parity)
	assert.Equal(t, 500_000, got.SPIFrequencyHz)
	assert.True(t, got.Enabled)
	assert.NotZero(t, got.CreatedAt)

	_, err = db.CreateSensorPort(&SensorPort{Name: "bench", PortPath: "/dev/ttyUSB0", Transport: "uart", BaudRate: 9600})
	require.NoError(t, err)

	enabled, err := db.GetEnabledSensorPorts()
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "roof", enabled[0].Name)

	bench, err := db.GetSensorPortByName("bench")
	require.NoError(t, err)
	require.NotNil(t, bench)
	assert.Equal(t, "serial", bench.Transport)
	assert.Equal(t, 9600, bench.PortOptions().BaudRate)

	bench.Enabled = true
	bench.SPIFrequencyHz = 1_000_000
	require.NoError(t, db.UpdateSensorPort(bench))
	enabled, err = db.GetEnabledSensorPorts()
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	require.NoError(t, db.DeleteSensorPort(p.ID))
	gone, err := db.GetSensorPort(p.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.ErrorContains(t, db.DeleteSensorPort(p.ID), "not found")
	assert.ErrorContains(t, db.UpdateSensorPort(&SensorPort{ID: 999, Name: "x", PortPath: "/dev/x"}), "not found")
}

func TestSensorPorts_Validation(t *testing.T) {
	db := newTestDB(t)

	tests := []struct {
		name string
		port SensorPort
		want string
	}{
		{"no name", SensorPort{PortPath: "/dev/ttyACM0"}, "name"},
		{"no path", SensorPort{Name: "a"}, "path"},
		{"transport", SensorPort{Name: "a", PortPath: "/dev/x", Transport: "i2c"}, "unknown transport"},
		{"baud", SensorPort{Name: "a", PortPath: "/dev/x", BaudRate: 1234}, "baud"},
		{"frequency", SensorPort{Name: "a", PortPath: "/dev/x", SPIFrequencyHz: 7}, "frequency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.CreateSensorPort(&tt.port)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := db.CreateSensorPort(&SensorPort{Name: "dup", PortPath: "/dev/a"})
	require.NoError(t, err)
	_, err = db.CreateSensorPort(&SensorPort{Name: "dup", PortPath: "/dev/b"})
	assert.Error(t, err, "names are unique")
}

func TestConfigSnapshots(t *testing.T) {
	db := newTestDB(t)
	session := uuid.New()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	raw := make([]byte, protocol.ConfigSize)
	raw[protocol.ConfigSize-2] = 0xAA
	for i := 0; i < 3; i++ {
		s := &ConfigSnapshot{
			SessionID: session,
			PortPath:  "/dev/ttyACM0",
			Firmware:  "OPC-N2 FirmwareVer=OPC-018.2",
			Raw:       raw,
			TakenAt:   base.Add(time.Duration(i) * time.Minute),
		}
		_, err := db.RecordConfigSnapshot(s)
		require.NoError(t, err)
	}
	_, err := db.RecordConfigSnapshot(&ConfigSnapshot{SessionID: session, PortPath: "/dev/ttyACM1", Raw: raw, TakenAt: base})
	require.NoError(t, err)

	all, err := db.ConfigSnapshots("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	acm0, err := db.ConfigSnapshots("/dev/ttyACM0", 2)
	require.NoError(t, err)
	require.Len(t, acm0, 2)
	assert.True(t, acm0[0].TakenAt.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, session, acm0[0].SessionID)
	assert.Equal(t, raw, acm0[0].Raw)

	latest, err := db.LatestConfigSnapshot("/dev/ttyACM0")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, acm0[0].ID, latest.ID)

	byID, err := db.GetConfigSnapshot(latest.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "OPC-N2 FirmwareVer=OPC-018.2", byID.Firmware)

	cfg, err := byID.Config()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	none, err := db.LatestConfigSnapshot("/dev/nowhere")
	require.NoError(t, err)
	assert.Nil(t, none)

	pruned, err := db.DeleteConfigSnapshotsBefore(base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	_, err = db.RecordConfigSnapshot(&ConfigSnapshot{SessionID: session, Raw: raw[:10]})
	assert.ErrorIs(t, err, protocol.ErrPayloadLength)
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"a.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)&_pragma=foreign_keys(1)",
		dsn("a.db"))
	assert.Contains(t, dsn("file:a.db?mode=rwc"), "mode=rwc&_pragma=journal_mode(WAL)")
}
