package param

// Model is the common interface the calibration driver drives: an
// editable, constrained parameter table.
type Model interface {
	Save(path string) error
	Current() ([]float64, error)
	Edit(vector []float64) error
	Constraints() [][2]float64
	VarNames() []string
}

var (
	_ Model = (*CropTable)(nil)
	_ Model = (*GlobalTable)(nil)
)
