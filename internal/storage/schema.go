// The TableSpec types live here so the ingest pipeline and every backend can
// share them without import cycles.
package storage

// Logical column types. Backends map them to native types; any other value
// is passed through verbatim.
const (
	TypeSerial  = "serial"
	TypeText    = "text"
	TypeDate    = "date"
	TypeBigInt  = "bigint"
	TypeDouble  = "double"
	TypeNumeric = "numeric"
)

type TableSpec struct {
	Name        string           `json:"name"`
	PrimaryKey  *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
	Indexes     []IndexSpec      `json:"indexes,omitempty"`
}

// PrimaryKeySpec declares a single store-generated key column.
type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // serial
}

type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	References string `json:"references,omitempty"`
	Nullable   bool   `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique" | "primary_key"
	Columns []string `json:"columns"`
}

type IndexSpec struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// Table names of the sensor schema.
const (
	TableDatasets = "datasets"
	TablePersons  = "persons"
	TableFlights  = "flights"
	TableBoxes    = "boxes"
	TableSignals  = "signals"
)

// SignalChannels are the 18 inertial channels: accelerometer and gyroscope
// axes, each carrying alpha, beta and gamma components.
var SignalChannels = func() []string {
	var out []string
	for _, sensor := range []string{"ax", "ay", "az", "gx", "gy", "gz"} {
		for _, comp := range []string{"alpha", "beta", "gamma"} {
			out = append(out, sensor+"_"+comp)
		}
	}
	return out
}()

// StagingColumns are the raw input columns, in file order. The last one
// keeps the misspelling of the export format.
func StagingColumns() []ColumnSpec {
	cols := []ColumnSpec{
		{Name: "time", Type: TypeNumeric, Nullable: true},
		{Name: "header", Type: TypeText, Nullable: true},
	}
	for _, ch := range SignalChannels {
		cols = append(cols, ColumnSpec{Name: ch, Type: TypeDouble, Nullable: true})
	}
	return append(cols,
		ColumnSpec{Name: "ecg", Type: TypeDouble, Nullable: true},
		ColumnSpec{Name: "frame_seperator", Type: TypeText, Nullable: true},
	)
}

// StagingColumnNames returns the names of StagingColumns.
func StagingColumnNames() []string {
	cols := StagingColumns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// StagingRowColumn is the identity column every staging relation carries
// ahead of StagingColumns; it records input order.
const StagingRowColumn = "row_no"

// SensorSchema returns the tables in dependency order.
func SensorSchema() []TableSpec {
	signalCols := []ColumnSpec{
		{Name: "dataset_id", Type: TypeBigInt, References: "datasets(dataset_id) ON DELETE CASCADE"},
		{Name: "sample_index", Type: TypeBigInt},
		{Name: "time", Type: TypeBigInt, Nullable: true},
		{Name: "header", Type: TypeText, Nullable: true},
	}
	for _, ch := range SignalChannels {
		signalCols = append(signalCols, ColumnSpec{Name: ch, Type: TypeDouble, Nullable: true})
	}
	signalCols = append(signalCols,
		ColumnSpec{Name: "ecg", Type: TypeDouble, Nullable: true},
		ColumnSpec{Name: "frame_separator", Type: TypeText, Nullable: true},
	)

	return []TableSpec{
		{
			Name:       TableDatasets,
			PrimaryKey: &PrimaryKeySpec{Name: "dataset_id", Type: TypeSerial},
			Columns: []ColumnSpec{
				{Name: "file_name", Type: TypeText},
				{Name: "file_date", Type: TypeDate, Nullable: true},
				{Name: "flight_code", Type: TypeText},
				{Name: "box_name", Type: TypeText},
				{Name: "box_color", Type: TypeText},
				{Name: "role", Type: TypeText},
				{Name: "person_name", Type: TypeText},
			},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"file_name"}}},
		},
		{
			Name: TablePersons,
			Columns: []ColumnSpec{
				{Name: "person_name", Type: TypeText},
				{Name: "role", Type: TypeText},
			},
			Constraints: []ConstraintSpec{{Kind: "primary_key", Columns: []string{"person_name"}}},
		},
		{
			Name: TableFlights,
			Columns: []ColumnSpec{
				{Name: "flight_code", Type: TypeText},
				{Name: "flight_date", Type: TypeDate, Nullable: true},
			},
			Constraints: []ConstraintSpec{{Kind: "primary_key", Columns: []string{"flight_code"}}},
		},
		{
			Name:       TableBoxes,
			PrimaryKey: &PrimaryKeySpec{Name: "box_id", Type: TypeSerial},
			Columns: []ColumnSpec{
				{Name: "box_name", Type: TypeText},
				{Name: "box_color", Type: TypeText},
			},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"box_name", "box_color"}}},
		},
		{
			Name:        TableSignals,
			Columns:     signalCols,
			Constraints: []ConstraintSpec{{Kind: "primary_key", Columns: []string{"dataset_id", "sample_index"}}},
			Indexes:     []IndexSpec{{Name: "signals_dataset_time_idx", Columns: []string{"dataset_id", "time"}}},
		},
	}
}
