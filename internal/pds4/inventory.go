package pds4

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// memberStatusPrimary marks inventory rows describing products that belong
// to the collection itself, as opposed to secondary cross-references.
const memberStatusPrimary = "P"

// ReadInventory reads a collection inventory CSV and returns the LIDVID
// strings of all primary members, in file order. Rows are
// "member_status,LIDVID_LID" pairs with no header.
func ReadInventory(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // tolerate trailing empty columns

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: reading inventory: %w", path, err)
	}

	var members []string
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%s: row %d: expected member_status,LIDVID_LID", path, i+1)
		}
		status := strings.TrimSpace(row[0])
		if status != memberStatusPrimary {
			continue
		}
		members = append(members, strings.TrimSpace(row[1]))
	}
	return members, nil
}
