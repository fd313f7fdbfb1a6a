package resolution

import "sync"

// Built-in configuration tables. Slit widths in arcsec map to R roughly as
// R * width = constant for each instrument.
var (
	esiSlits = map[string]float64{
		"0.3_arcsec":  13000,
		"0.5_arcsec":  8000,
		"0.75_arcsec": 5400,
		"1.0_arcsec":  4000,
		"1.25_arcsec": 3200,
	}

	hiresDeckers = map[string]float64{
		"B1": 72000, "B2": 72000, "B3": 72000, "B4": 72000,
		"B5": 48000, "C1": 48000, "C2": 48000, "C3": 48000,
		"C4": 36000, "C5": 36000, "D1": 36000, "D2": 36000,
		"D3": 24000, "D4": 24000,
		"E1": 103000, "E2": 103000, "E3": 103000, "E4": 103000,
		"E5": 52000,
	}

	mageSlits = map[string]float64{
		"0.50": 8200,
		"0.70": 5857,
		"0.85": 4824,
		"1.00": 4100,
		"1.20": 3417,
	}

	cosGratings = map[string]float64{
		"G130M":       18000,
		"G160M":       20000,
		"G130M/G160M": 20000,
		"G140L":       2000,
	}
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the frozen built-in registry.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		r := New()
		mustRegister(r.Register("ESI", "SLMSKNAM", esiSlits))
		mustRegister(r.Register("HIRES", "DECKNAME", hiresDeckers))
		mustRegister(r.Register("MagE", "SLITNAME", mageSlits))
		mustRegister(r.Register("COS", "OPT_ELEM", cosGratings))
		mustRegister(r.RegisterFixed("SDSS", 2000))
		mustRegister(r.RegisterFixed("BOSS", 2000))
		r.Freeze()
		defaultRegistry = r
	})
	return defaultRegistry
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}
