package ingest

import (
	"context"
	"fmt"

	"sensoretl/internal/metadata"
	"sensoretl/internal/storage"
)

// DimensionUpserter writes the dataset row and its person, flight and box
// dimensions inside the caller's transaction.
//
// Upsert policy:
//   - person: last write wins on role
//   - flight: last write wins on date
//   - box: first write wins on (name, color)
//
// A dimension whose key is metadata.Unknown is not written; the dataset row
// still records the sentinel.
type DimensionUpserter struct{}

func NewDimensionUpserter() *DimensionUpserter { return &DimensionUpserter{} }

var datasetColumns = []string{
	"file_name", "file_date", "flight_code", "box_name", "box_color", "role", "person_name",
}

// Upsert writes the dimensions, then inserts the dataset and returns its id.
func (u *DimensionUpserter) Upsert(ctx context.Context, tx storage.Tx, d storage.Dialect, fileName string, m metadata.Metadata) (int64, error) {
	date := bindDate(d, m)

	if m.PersonName != metadata.Unknown {
		q := d.UpsertSQL(storage.TablePersons, []string{"person_name", "role"}, []string{"person_name"}, []string{"role"})
		if _, err := tx.Exec(ctx, q, m.PersonName, m.Role); err != nil {
			return 0, fmt.Errorf("upsert person %q: %w", m.PersonName, err)
		}
	}

	if m.FlightCode != metadata.Unknown {
		q := d.UpsertSQL(storage.TableFlights, []string{"flight_code", "flight_date"}, []string{"flight_code"}, []string{"flight_date"})
		if _, err := tx.Exec(ctx, q, m.FlightCode, date); err != nil {
			return 0, fmt.Errorf("upsert flight %q: %w", m.FlightCode, err)
		}
	}

	if m.BoxName != metadata.Unknown {
		boxCols := []string{"box_name", "box_color"}
		q := d.UpsertSQL(storage.TableBoxes, boxCols, boxCols, nil)
		if _, err := tx.Exec(ctx, q, m.BoxName, m.BoxColor); err != nil {
			return 0, fmt.Errorf("upsert box %q/%q: %w", m.BoxName, m.BoxColor, err)
		}
	}

	q := d.InsertReturningSQL(storage.TableDatasets, datasetColumns, "dataset_id")
	var id int64
	err := tx.QueryRow(ctx, q, fileName, date, m.FlightCode, m.BoxName, m.BoxColor, m.Role, m.PersonName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert dataset %q: %w", fileName, err)
	}
	return id, nil
}

func bindDate(d storage.Dialect, m metadata.Metadata) any {
	if m.FileDate.IsZero() {
		return nil
	}
	return d.BindDate(m.FileDate)
}
