package database

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// readDevices parses ';' separated rows of id;network_address;network_number.
// The first row is a header and is skipped.
func readDevices(reader io.Reader) ([]Device, error) {
	r := csv.NewReader(reader)
	r.Comma = ';'
	r.FieldsPerRecord = 3
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv data: %w", err)
	}

	devices := []Device{}
	seen := map[int]int{}

	for idx, row := range rows {
		if idx == 0 {
			continue
		}

		d, err := newDeviceFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("invalid device on line %d: %w", idx+1, err)
		}

		if line, ok := seen[d.ID]; ok {
			return nil, fmt.Errorf("duplicate device id %d found on line %d (first seen on line %d)", d.ID, idx+1, line)
		}
		seen[d.ID] = idx + 1

		devices = append(devices, d)
	}

	return devices, nil
}

func newDeviceFromRow(row []string) (Device, error) {
	id, err := strconv.Atoi(strings.TrimSpace(row[0]))
	if err != nil {
		return Device{}, fmt.Errorf("failed to parse id %q", row[0])
	}

	address := strings.TrimSpace(row[1])
	if address == "" {
		return Device{}, fmt.Errorf("device %d has no network address", id)
	}

	number, err := strconv.Atoi(strings.TrimSpace(row[2]))
	if err != nil {
		return Device{}, fmt.Errorf("failed to parse network number %q for device %d", row[2], id)
	}

	return Device{
		ID:             id,
		NetworkAddress: address,
		NetworkNumber:  number,
	}, nil
}
