package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/waggle-sensor/opcn2/internal/transport"
)

// SensorPort is a named connection profile for one OPC-N2.
type SensorPort struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	PortPath       string `json:"port_path"`
	Transport      string `json:"transport"`
	BaudRate       int    `json:"baud_rate"`
	DataBits       int    `json:"data_bits"`
	StopBits       int    `json:"stop_bits"`
	Parity         string `json:"parity"`
	SPIFrequencyHz int    `json:"spi_frequency_hz"`
	Enabled        bool   `json:"enabled"`
	Description    string `json:"description"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// PortOptions returns the serial line settings of the profile.
func (p *SensorPort) PortOptions() transport.PortOptions {
	return transport.PortOptions{
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
		StopBits: p.StopBits,
		Parity:   p.Parity,
	}
}

// Normalize fills defaults and validates the profile before it is stored.
func (p *SensorPort) Normalize() error {
	if p.Name == "" {
		return errors.New("sensor port name is required")
	}
	if p.PortPath == "" {
		return errors.New("sensor port path is required")
	}
	kind, err := transport.ParseKind(p.Transport)
	if err != nil {
		return err
	}
	p.Transport = string(kind)

	opts, err := p.PortOptions().Normalize()
	if err != nil {
		return err
	}
	p.BaudRate, p.DataBits, p.StopBits, p.Parity = opts.BaudRate, opts.DataBits, opts.StopBits, opts.Parity

	iss, err := transport.ISSOptions{Frequency: p.SPIFrequencyHz}.Normalize()
	if err != nil {
		return err
	}
	p.SPIFrequencyHz = iss.Frequency
	return nil
}

const sensorPortColumns = `id, name, port_path, transport, baud_rate, data_bits, stop_bits, parity,
	spi_frequency_hz, enabled, description, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSensorPort(r rowScanner) (*SensorPort, error) {
	var p SensorPort
	var enabled int
	err := r.Scan(&p.ID, &p.Name, &p.PortPath, &p.Transport, &p.BaudRate, &p.DataBits, &p.StopBits,
		&p.Parity, &p.SPIFrequencyHz, &enabled, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled == 1
	return &p, nil
}

func (db *DB) querySensorPorts(query string, args ...any) ([]SensorPort, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor ports: %w", err)
	}
	defer rows.Close()

	var ports []SensorPort
	for rows.Next() {
		p, err := scanSensorPort(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sensor port: %w", err)
		}
		ports = append(ports, *p)
	}
	return ports, rows.Err()
}

// GetSensorPorts returns all sensor port profiles.
func (db *DB) GetSensorPorts() ([]SensorPort, error) {
	return db.querySensorPorts(`SELECT ` + sensorPortColumns + ` FROM sensor_ports ORDER BY created_at ASC, id ASC`)
}

// GetEnabledSensorPorts returns the enabled profiles.
func (db *DB) GetEnabledSensorPorts() ([]SensorPort, error) {
	return db.querySensorPorts(`SELECT ` + sensorPortColumns + ` FROM sensor_ports WHERE enabled = 1 ORDER BY created_at ASC, id ASC`)
}

// GetSensorPort returns a profile by ID, or nil if there is none.
func (db *DB) GetSensorPort(id int) (*SensorPort, error) {
	p, err := scanSensorPort(db.QueryRow(`SELECT `+sensorPortColumns+` FROM sensor_ports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sensor port: %w", err)
	}
	return p, nil
}

// GetSensorPortByName returns a profile by name, or nil if there is none.
func (db *DB) GetSensorPortByName(name string) (*SensorPort, error) {
	p, err := scanSensorPort(db.QueryRow(`SELECT `+sensorPortColumns+` FROM sensor_ports WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sensor port: %w", err)
	}
	return p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateSensorPort stores a new profile and sets p.ID.
func (db *DB) CreateSensorPort(p *SensorPort) (int64, error) {
	if err := p.Normalize(); err != nil {
		return 0, err
	}
	result, err := db.Exec(`INSERT INTO sensor_ports (name, port_path, transport, baud_rate, data_bits, stop_bits,
	          parity, spi_frequency_hz, enabled, description)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.PortPath, p.Transport, p.BaudRate, p.DataBits, p.StopBits,
		p.Parity, p.SPIFrequencyHz, boolInt(p.Enabled), p.Description)
	if err != nil {
		return 0, fmt.Errorf("failed to create sensor port: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	p.ID = int(id)
	return id, nil
}

// UpdateSensorPort updates an existing profile.
func (db *DB) UpdateSensorPort(p *SensorPort) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	result, err := db.Exec(`UPDATE sensor_ports
	          SET name = ?, port_path = ?, transport = ?, baud_rate = ?, data_bits = ?, stop_bits = ?,
	              parity = ?, spi_frequency_hz = ?, enabled = ?, description = ?
	          WHERE id = ?`,
		p.Name, p.PortPath, p.Transport, p.BaudRate, p.DataBits, p.StopBits,
		p.Parity, p.SPIFrequencyHz, boolInt(p.Enabled), p.Description, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update sensor port: %w", err)
	}
	return expectOneRow(result, "sensor port", p.ID)
}

// DeleteSensorPort deletes a profile.
func (db *DB) DeleteSensorPort(id int) error {
	result, err := db.Exec(`DELETE FROM sensor_ports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sensor port: %w", err)
	}
	return expectOneRow(result, "sensor port", id)
}

func expectOneRow(result sql.Result, what string, id int) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s with ID %d not found", what, id)
	}
	return nil
}
