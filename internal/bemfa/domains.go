package bemfa

import (
	"fmt"
	"math"
	"sort"
)

// Entity domains bridged to bemfa
const (
	DomainSwitch       = "switch"
	DomainLight        = "light"
	DomainFan          = "fan"
	DomainSensor       = "sensor"
	DomainClimate      = "climate"
	DomainCover        = "cover"
	DomainBinarySensor = "binary_sensor"
	DomainVacuum       = "vacuum"
)

// GenerateFunc produces one positional field from an entity's state and attributes.
// It must guard its own attribute access and return Absent when the position
// does not apply.
type GenerateFunc func(state string, attrs map[string]interface{}) Field

// ResolveFunc maps a slice of inbound fields to a service call.
// An empty service name means the slice does not translate to any call.
type ResolveFunc func(fields []Field, attrs map[string]interface{}) (service string, data map[string]interface{})

// ResolveRule binds a field range [Start, End) of an inbound message to a resolver
type ResolveRule struct {
	Start int
	End   int
	Fn    ResolveFunc
}

// Domain is the codec entry for one Home Assistant entity domain
type Domain struct {
	Name   string
	Suffix string

	// Filter restricts which entities of the domain are bridged. Nil accepts all.
	Filter func(attrs map[string]interface{}) bool

	// Generate is ordered by message position. Generate[0] yields the on/off/pause token.
	Generate []GenerateFunc

	Resolve []ResolveRule
}

// Accepts reports whether an entity with the given attributes is bridged
func (d *Domain) Accepts(attrs map[string]interface{}) bool {
	if d.Filter == nil {
		return true
	}
	return d.Filter(attrs)
}

// ReadOnly reports whether inbound messages can never produce a service call
func (d *Domain) ReadOnly() bool {
	return len(d.Resolve) == 0
}

var domainTable = buildDomainTable()

// Lookup returns the codec entry for a domain
func Lookup(domain string) (*Domain, error) {
	d, ok := domainTable[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	return d, nil
}

// Supported reports whether a domain has a codec entry
func Supported(domain string) bool {
	_, ok := domainTable[domain]
	return ok
}

// Domains returns all supported domains in sorted order
func Domains() []string {
	names := make([]string, 0, len(domainTable))
	for name := range domainTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sensorSlots maps a sensor device class to its position in a bemfa sensor message.
// Position 3 is the sensor's switch slot and is never filled from Home Assistant.
var sensorSlots = map[string]int{
	"temperature": 1,
	"humidity":    2,
	"illuminance": 4,
	"pm25":        5,
}

// Climate mode codes used by bemfa air conditioners
var (
	hvacModeCodes = map[string]int{
		"auto":      1,
		"heat_cool": 1,
		"cool":      2,
		"heat":      3,
		"fan_only":  4,
		"dry":       5,
	}
	presetModeCodes = map[string]int{
		"sleep": 6,
		"eco":   7,
	}
)

const (
	defaultMinKelvin  = 2000
	defaultMaxKelvin  = 6500
	defaultFanStep    = 25.0
	maxRGBColourValue = 0xFFFFFF
)

func buildDomainTable() map[string]*Domain {
	table := []*Domain{
		{
			Name:     DomainSwitch,
			Suffix:   "006",
			Generate: []GenerateFunc{onOffToken},
			Resolve: []ResolveRule{
				{0, 1, powerResolver("turn_on", "turn_off", "")},
			},
		},
		{
			Name:   DomainLight,
			Suffix: "002",
			Generate: []GenerateFunc{
				onOffToken,
				lightBrightness,
				lightColour,
			},
			Resolve: []ResolveRule{
				{0, 1, powerResolver("turn_on", "turn_off", "")},
				{1, 2, resolveLightBrightness},
				{2, 3, resolveLightColour},
			},
		},
		{
			Name:   DomainFan,
			Suffix: "003",
			Generate: []GenerateFunc{
				onOffToken,
				fanSpeedLevel,
				fanOscillating,
			},
			Resolve: []ResolveRule{
				{0, 1, powerResolver("turn_on", "turn_off", "")},
				{1, 2, resolveFanSpeed},
				{2, 3, resolveFanOscillation},
			},
		},
		{
			Name:   DomainSensor,
			Suffix: "004",
			Filter: func(attrs map[string]interface{}) bool {
				_, ok := sensorSlots[attrString(attrs, "device_class")]
				return ok
			},
			Generate: []GenerateFunc{
				func(string, map[string]interface{}) Field { return Token(MsgOn) },
				sensorSlot(1),
				sensorSlot(2),
				sensorSlot(3),
				sensorSlot(4),
				sensorSlot(5),
			},
		},
		{
			Name:   DomainClimate,
			Suffix: "005",
			Generate: []GenerateFunc{
				climateToken,
				climateMode,
				climateTargetTemperature,
			},
			Resolve: []ResolveRule{
				{0, 1, powerResolver("turn_on", "turn_off", "")},
				{1, 2, resolveClimateMode},
				{2, 3, resolveClimateTemperature},
			},
		},
		{
			Name:   DomainCover,
			Suffix: "009",
			Generate: []GenerateFunc{
				coverToken,
				coverPosition,
			},
			Resolve: []ResolveRule{
				{0, 1, powerResolver("open_cover", "close_cover", "stop_cover")},
				{1, 2, resolveCoverPosition},
			},
		},
		{
			Name:     DomainBinarySensor,
			Suffix:   "006",
			Generate: []GenerateFunc{onOffToken},
		},
		{
			Name:     DomainVacuum,
			Suffix:   "001",
			Generate: []GenerateFunc{vacuumToken},
			Resolve: []ResolveRule{
				{0, 1, powerResolver("start", "return_to_base", "pause")},
			},
		},
	}

	m := make(map[string]*Domain, len(table))
	for _, d := range table {
		m[d.Name] = d
	}
	return m
}

// Token generators

func onOffToken(state string, _ map[string]interface{}) Field {
	if state == "on" {
		return Token(MsgOn)
	}
	return Token(MsgOff)
}

func climateToken(state string, _ map[string]interface{}) Field {
	switch state {
	case "off", "", "unknown", "unavailable":
		return Token(MsgOff)
	}
	return Token(MsgOn)
}

func coverToken(state string, _ map[string]interface{}) Field {
	switch state {
	case "open", "opening":
		return Token(MsgOn)
	}
	return Token(MsgOff)
}

func vacuumToken(state string, _ map[string]interface{}) Field {
	switch state {
	case "cleaning":
		return Token(MsgOn)
	case "paused":
		return Token(MsgPause)
	}
	return Token(MsgOff)
}

// powerResolver maps the token in field 0 to a service. An empty name disables that token.
func powerResolver(on, off, pause string) ResolveFunc {
	return func(fields []Field, _ map[string]interface{}) (string, map[string]interface{}) {
		switch fields[0].String() {
		case MsgOn:
			return on, nil
		case MsgOff:
			return off, nil
		case MsgPause:
			return pause, nil
		}
		return "", nil
	}
}

// Light

func lightBrightness(_ string, attrs map[string]interface{}) Field {
	b, ok := attrFloat(attrs, "brightness")
	if !ok {
		return Absent
	}
	return Int(int(math.Round(b * 100 / 255)))
}

func lightColour(_ string, attrs map[string]interface{}) Field {
	kelvin, hasKelvin := attrFloat(attrs, "color_temp_kelvin")
	if attrString(attrs, "color_mode") == "color_temp" && hasKelvin {
		return Int(int(math.Round(kelvin)))
	}
	if rgb, ok := attrFloats(attrs, "rgb_color"); ok && len(rgb) == 3 {
		r, g, b := clampByte(rgb[0]), clampByte(rgb[1]), clampByte(rgb[2])
		return Int(r<<16 | g<<8 | b)
	}
	if hasKelvin {
		return Int(int(math.Round(kelvin)))
	}
	return Absent
}

func resolveLightBrightness(fields []Field, _ map[string]interface{}) (string, map[string]interface{}) {
	pct, ok := fields[0].Int()
	if !ok {
		return "", nil
	}
	return "turn_on", map[string]interface{}{"brightness_pct": clamp(pct, 0, 100)}
}

func resolveLightColour(fields []Field, attrs map[string]interface{}) (string, map[string]interface{}) {
	v, ok := fields[0].Int()
	if !ok || v < 0 {
		return "", nil
	}
	if isKelvin(v, attrs) {
		return "turn_on", map[string]interface{}{"color_temp_kelvin": v}
	}
	if v > maxRGBColourValue {
		return "", nil
	}
	return "turn_on", map[string]interface{}{
		"rgb_color": []int{v >> 16 & 0xFF, v >> 8 & 0xFF, v & 0xFF},
	}
}

// isKelvin decides whether an inbound colour value is a colour temperature.
// Values inside the light's kelvin range are temperatures unless the light
// does not support colour temperature, or is currently in another colour mode.
func isKelvin(v int, attrs map[string]interface{}) bool {
	if modes, ok := attrStrings(attrs, "supported_color_modes"); ok && !contains(modes, "color_temp") {
		return false
	}
	if mode := attrString(attrs, "color_mode"); mode != "" && mode != "color_temp" {
		return false
	}
	lo, ok := attrFloat(attrs, "min_color_temp_kelvin")
	if !ok {
		lo = defaultMinKelvin
	}
	hi, ok := attrFloat(attrs, "max_color_temp_kelvin")
	if !ok {
		hi = defaultMaxKelvin
	}
	return float64(v) >= lo && float64(v) <= hi
}

// Fan

func fanStep(attrs map[string]interface{}) float64 {
	step, ok := attrFloat(attrs, "percentage_step")
	if !ok || step <= 0 || step > 100 {
		return defaultFanStep
	}
	return step
}

func fanSpeedLevel(_ string, attrs map[string]interface{}) Field {
	pct, ok := attrFloat(attrs, "percentage")
	if !ok {
		return Absent
	}
	return Int(int(math.Round(pct / fanStep(attrs))))
}

func fanOscillating(_ string, attrs map[string]interface{}) Field {
	v, ok := attrs["oscillating"].(bool)
	if !ok {
		return Absent
	}
	if v {
		return Int(1)
	}
	return Int(0)
}

func resolveFanSpeed(fields []Field, attrs map[string]interface{}) (string, map[string]interface{}) {
	level, ok := fields[0].Int()
	if !ok || level < 0 {
		return "", nil
	}
	pct := math.Min(100, float64(level)*fanStep(attrs))
	return "set_percentage", map[string]interface{}{"percentage": int(math.Round(pct))}
}

func resolveFanOscillation(fields []Field, _ map[string]interface{}) (string, map[string]interface{}) {
	v, ok := fields[0].Int()
	if !ok {
		return "", nil
	}
	return "oscillate", map[string]interface{}{"oscillating": v != 0}
}

// Sensor

func sensorSlot(position int) GenerateFunc {
	return func(state string, attrs map[string]interface{}) Field {
		if sensorSlots[attrString(attrs, "device_class")] != position {
			return Absent
		}
		v, ok := parseStateNumber(state)
		if !ok {
			return Absent
		}
		return Number(v)
	}
}

// Climate

func climateMode(state string, attrs map[string]interface{}) Field {
	if code, ok := presetModeCodes[attrString(attrs, "preset_mode")]; ok {
		return Int(code)
	}
	if code, ok := hvacModeCodes[state]; ok {
		return Int(code)
	}
	return Absent
}

func climateTargetTemperature(_ string, attrs map[string]interface{}) Field {
	t, ok := attrFloat(attrs, "temperature")
	if !ok {
		return Absent
	}
	return Int(int(math.Round(t)))
}

func resolveClimateMode(fields []Field, attrs map[string]interface{}) (string, map[string]interface{}) {
	code, ok := fields[0].Int()
	if !ok {
		return "", nil
	}
	for preset, c := range presetModeCodes {
		if c == code {
			return "set_preset_mode", map[string]interface{}{"preset_mode": preset}
		}
	}

	var mode string
	switch code {
	case 1:
		mode = "auto"
		if modes, ok := attrStrings(attrs, "hvac_modes"); ok && !contains(modes, "auto") && contains(modes, "heat_cool") {
			mode = "heat_cool"
		}
	case 2:
		mode = "cool"
	case 3:
		mode = "heat"
	case 4:
		mode = "fan_only"
	case 5:
		mode = "dry"
	default:
		return "", nil
	}
	return "set_hvac_mode", map[string]interface{}{"hvac_mode": mode}
}

func resolveClimateTemperature(fields []Field, _ map[string]interface{}) (string, map[string]interface{}) {
	t, ok := fields[0].Float()
	if !ok {
		return "", nil
	}
	return "set_temperature", map[string]interface{}{"temperature": t}
}

// Cover

func coverPosition(_ string, attrs map[string]interface{}) Field {
	p, ok := attrFloat(attrs, "current_position")
	if !ok {
		return Absent
	}
	return Int(int(math.Round(p)))
}

func resolveCoverPosition(fields []Field, _ map[string]interface{}) (string, map[string]interface{}) {
	p, ok := fields[0].Int()
	if !ok {
		return "", nil
	}
	return "set_cover_position", map[string]interface{}{"position": clamp(p, 0, 100)}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v float64) int {
	return clamp(int(math.Round(v)), 0, 255)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
