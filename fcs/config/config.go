// Package config loads the FCS configuration file.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// AnyPA is the sentinel flexure center meaning a slider may be clamped
// at any rotator angle.
const AnyPA = -999

// Flexure holds the center of the flexure curve for one slider and the
// PA window around it.
type Flexure struct {
	// Center is the rotator PA at the center of the flexure curve,
	// or AnyPA when the slider has no preferred angle
	Center float64 `koanf:"center" yaml:"Center"`

	// Delta is the half width of the acceptable PA window
	Delta float64 `koanf:"delta" yaml:"Delta"`
}

// Stage holds the centered operating band and hard travel limits of a
// mechanical stage in raw encoder units.
type Stage struct {
	Center float64 `koanf:"center" yaml:"Center"`
	Delta  float64 `koanf:"delta" yaml:"Delta"`
	Low    float64 `koanf:"low" yaml:"Low"`
	High   float64 `koanf:"high" yaml:"High"`

	// Buffer is the approach margin before a hard limit at which the
	// tracking loop asks for a recenter instead of moving further
	Buffer float64 `koanf:"buffer" yaml:"Buffer"`
}

// Model holds the optical model coefficients mapping a measured spot
// displacement to a stage correction for one grating.
type Model struct {
	Scale  float64 `koanf:"scale" yaml:"Scale"`
	Zero   float64 `koanf:"zero" yaml:"Zero"`
	Offset float64 `koanf:"offset" yaml:"Offset"`
}

// Detector holds the FCS CCD readout configuration pushed at startup.
type Detector struct {
	Window   string `koanf:"window" yaml:"Window"`
	Binning  string `koanf:"binning" yaml:"Binning"`
	Autoshut int    `koanf:"autoshut" yaml:"Autoshut"`
}

// ServiceAddr locates one keyword service.
type ServiceAddr struct {
	Addr   string `koanf:"addr" yaml:"Addr"`
	Serial bool   `koanf:"serial" yaml:"Serial"`
}

// Config is the full FCS parameter set, the Go rendition of the old
// fcsconfig.dat.  It is populated by koanf from defaults plus an optional
// yaml overlay.
type Config struct {
	// ValidGratings are the optical elements FCS can track with
	ValidGratings []string `koanf:"validgratings" yaml:"ValidGratings"`

	// ValidSliders are the slider numbers that can be clamped
	ValidSliders []int `koanf:"validsliders" yaml:"ValidSliders"`

	Slider2 Flexure `koanf:"slider2" yaml:"Slider2"`
	Slider3 Flexure `koanf:"slider3" yaml:"Slider3"`
	Slider4 Flexure `koanf:"slider4" yaml:"Slider4"`

	TentMirror Stage `koanf:"tentmirror" yaml:"TentMirror"`
	DewarX     Stage `koanf:"dewarx" yaml:"DewarX"`

	// WavelengthDecimals is the rounding applied to the grating central
	// wavelength when it becomes part of a reference file name
	WavelengthDecimals int `koanf:"wavelengthdecimals" yaml:"WavelengthDecimals"`

	// MinExptime and MaxExptime bound the FCS integration time in seconds
	MinExptime float64 `koanf:"minexptime" yaml:"MinExptime"`
	MaxExptime float64 `koanf:"maxexptime" yaml:"MaxExptime"`

	// FocusDelta is the tolerated focus excursion from the reference
	FocusDelta float64 `koanf:"focusdelta" yaml:"FocusDelta"`

	Detector Detector `koanf:"detector" yaml:"Detector"`

	// BoxX and BoxY are the centroiding box half sizes in pixels
	BoxX int `koanf:"boxx" yaml:"BoxX"`
	BoxY int `koanf:"boxy" yaml:"BoxY"`

	// SearchRadius is the cross-correlation search radius in pixels
	SearchRadius int `koanf:"searchradius" yaml:"SearchRadius"`

	// CosmicTolerance is the allowed iteration-to-iteration disagreement
	// between the two CCD corrections, in pixels
	CosmicTolerance float64 `koanf:"cosmictolerance" yaml:"CosmicTolerance"`

	// Models maps grating name to optical model coefficients
	Models map[string]Model `koanf:"models" yaml:"Models"`

	// Services locates the keyword services by name
	Services map[string]ServiceAddr `koanf:"services" yaml:"Services"`

	// OutputPrefix is prepended to the OUTDIR keyword to form the image
	// directory path; the CCD daemons report paths without the automount
	// prefix
	OutputPrefix string `koanf:"outputprefix" yaml:"OutputPrefix"`

	// HistoryDB is the path of the sqlite correction history; empty
	// disables recording
	HistoryDB string `koanf:"historydb" yaml:"HistoryDB"`

	// Addr is the listen address of the status server
	Addr string `koanf:"addr" yaml:"Addr"`
}

// Default returns the shipped configuration.
func Default() Config {
	return Config{
		ValidGratings: []string{"600ZD", "830G", "900ZD", "1200G", "1200B", "Mirror"},
		ValidSliders:  []int{2, 3, 4},
		Slider2:       Flexure{Center: AnyPA, Delta: 0},
		Slider3:       Flexure{Center: 90, Delta: 5},
		Slider4:       Flexure{Center: 90, Delta: 5},
		TentMirror:    Stage{Center: 2048, Delta: 40, Low: 0, High: 4095, Buffer: 100},
		DewarX:        Stage{Center: 5120, Delta: 50, Low: 0, High: 10239, Buffer: 200},

		WavelengthDecimals: 1,
		MinExptime:         1,
		MaxExptime:         30,
		FocusDelta:         25,

		Detector:        Detector{Window: "0,0,0,1024,600", Binning: "1,1", Autoshut: 1},
		BoxX:            40,
		BoxY:            40,
		SearchRadius:    30,
		CosmicTolerance: 0.5,

		Models: map[string]Model{
			"600ZD":  {Scale: 14.58, Zero: 2048, Offset: 0},
			"830G":   {Scale: 14.89, Zero: 2048, Offset: 0},
			"900ZD":  {Scale: 15.12, Zero: 2048, Offset: 0},
			"1200G":  {Scale: 15.48, Zero: 2048, Offset: 0},
			"1200B":  {Scale: 15.48, Zero: 2048, Offset: 0},
			"Mirror": {Scale: 14.04, Zero: 2048, Offset: 0},
		},
		Services: map[string]ServiceAddr{
			"deimot": {Addr: "deimosserv:2120"},
			"deirot": {Addr: "deimosserv:2121"},
			"deifcs": {Addr: "deimosserv:2122"},
			"deiccd": {Addr: "deimosserv:2123"},
		},
		OutputPrefix: "/s",
		HistoryDB:    "fcshistory.db",
		Addr:         ":8090",
	}
}

// Load returns the default configuration overlaid with the yaml file at
// path.  A missing file is not an error; the defaults stand.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return Config{}, fmt.Errorf("error loading config: %w", err)
		}
	}
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Flexure returns the PA window for a slider.
func (c Config) Flexure(slider int) (Flexure, bool) {
	switch slider {
	case 2:
		return c.Slider2, true
	case 3:
		return c.Slider3, true
	case 4:
		return c.Slider4, true
	}
	return Flexure{}, false
}

// GratingValid reports whether the named optical element is usable by FCS.
func (c Config) GratingValid(name string) bool {
	for _, g := range c.ValidGratings {
		if g == name {
			return true
		}
	}
	return false
}

// SliderValid reports whether the slider number is usable by FCS.
func (c Config) SliderValid(n int) bool {
	for _, s := range c.ValidSliders {
		if s == n {
			return true
		}
	}
	return false
}
