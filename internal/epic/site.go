package epic

import (
	"fmt"
	"regexp"
)

var siteIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,9}$`)

// ValidateSiteID enforces the alphanumeric, <=9 char identifier rule.
func ValidateSiteID(id string) error {
	if !siteIDPattern.MatchString(id) {
		return fmt.Errorf("invalid site id %q: must match [A-Za-z0-9]{1,9}", id)
	}
	return nil
}

// Site is an immutable handle to one field's input bundle, plus the mutable
// outputs map populated after a successful run.
type Site struct {
	ID  string
	Sit string // path to the site-description (.SIT) file
	Sol string // path to soil file
	Dly string // path to daily weather file
	Opc string // path to operation-schedule file

	Lat  float64
	Lon  float64
	Elev float64

	Outputs map[string]string // output kind -> harvested path
}

// NewSite validates id and returns a Site with an empty outputs map.
func NewSite(id, sit, sol, dly, opc string, lat, lon, elev float64) (*Site, error) {
	if err := ValidateSiteID(id); err != nil {
		return nil, err
	}
	return &Site{
		ID: id, Sit: sit, Sol: sol, Dly: dly, Opc: opc,
		Lat: lat, Lon: lon, Elev: elev,
		Outputs: make(map[string]string),
	}, nil
}
