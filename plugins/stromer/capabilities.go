package stromer

import (
	"fmt"
	"strconv"
)

// Capability names one observable bike attribute.
type Capability string

const (
	Battery                Capability = "measure_battery"
	BatteryHealth          Capability = "battery_health"
	Theft                  Capability = "alarm_theft"
	MotorTemperature       Capability = "motor_temp_c"
	BatteryTemperature     Capability = "battery_temp_c"
	AssistanceLevel        Capability = "assistance_level"
	Light                  Capability = "onoff"
	Locked                 Capability = "locked"
	Speed                  Capability = "bike_speed"
	TripDistance           Capability = "trip_distance"
	TripAverageSpeed       Capability = "average_speed_trip"
	TotalDistance          Capability = "distance_total"
	TotalAverageSpeed      Capability = "distance_avg_speed"
	AverageEnergy          Capability = "avg_energy"
	PowerCycles            Capability = "power_cycles"
	AtmosphericPressure    Capability = "atmospheric_pressure"
	TotalEnergyConsumption Capability = "total_energy_consumption"
	Latitude               Capability = "latitude"
	Longitude              Capability = "longitude"
	Location               Capability = "location"
	UserTotalDistance      Capability = "user_total_distance"
	DayAverageSpeed        Capability = "day_avg_speed"
	MonthDistance          Capability = "month_distance"
	MonthAverageSpeed      Capability = "month_avg_speed"
	YearDistance           Capability = "year_distance"
	YearAverageSpeed       Capability = "year_avg_speed"
)

// Source is the endpoint a capability is read from.
type Source int

const (
	SourceStatus Source = iota
	SourcePosition
	SourceDetails
	SourceDay
	SourceMonth
	SourceYear
)

func (s Source) String() string {
	switch s {
	case SourceStatus:
		return "state"
	case SourcePosition:
		return "position"
	case SourceDetails:
		return "details"
	case SourceDay:
		return "statistics_day"
	case SourceMonth:
		return "statistics_month"
	case SourceYear:
		return "statistics_year"
	default:
		return "unknown"
	}
}

// statsSources are fetched at most once per stats interval.
var statsSources = []Source{SourceDetails, SourceDay, SourceMonth, SourceYear}

// DefaultPolicy decides what a missing vendor field becomes when the
// capability has never been set.
type DefaultPolicy int

const (
	DefaultNone DefaultPolicy = iota
	DefaultZero
	DefaultFalse
)

type extractor func(Payload) (any, bool)

type capabilityField struct {
	capability Capability
	source     Source
	extract    extractor
	fallback   DefaultPolicy
}

// capabilityTable maps vendor fields of both API generations onto capabilities.
var capabilityTable = []capabilityField{
	{Battery, SourceStatus, numberOf("battery_SOC", "bike_battery_percentage"), DefaultNone},
	{BatteryHealth, SourceStatus, numberOf("battery_health", "bike_battery_health"), DefaultNone},
	{Theft, SourceStatus, flagOf("theft_flag"), DefaultFalse},
	{MotorTemperature, SourceStatus, numberOf("motor_temp"), DefaultZero},
	{BatteryTemperature, SourceStatus, numberOf("battery_temp"), DefaultZero},
	{AssistanceLevel, SourceStatus, numberOf("assistance_level", "power_level"), DefaultZero},
	{Light, SourceStatus, lightOf, DefaultFalse},
	{Locked, SourceStatus, lockedOf, DefaultFalse},
	{Speed, SourceStatus, numberOf("bike_speed", "speed"), DefaultZero},
	{TripDistance, SourceStatus, numberOf("trip_distance"), DefaultZero},
	{TripAverageSpeed, SourceStatus, numberOf("average_speed_trip", "trip_average_speed"), DefaultZero},
	{TotalDistance, SourceStatus, numberOf("total_distance", "distance"), DefaultZero},
	{TotalAverageSpeed, SourceStatus, numberOf("average_speed_total", "distance_average_speed"), DefaultZero},
	{AverageEnergy, SourceStatus, numberOf("average_energy_consumption"), DefaultZero},
	{PowerCycles, SourceStatus, numberOf("power_on_cycles"), DefaultZero},
	{AtmosphericPressure, SourceStatus, numberOf("atmospheric_pressure"), DefaultZero},
	{TotalEnergyConsumption, SourceStatus, numberOf("total_energy_consumption"), DefaultZero},

	{Latitude, SourcePosition, numberOf("latitude"), DefaultNone},
	{Longitude, SourcePosition, numberOf("longitude"), DefaultNone},
	{Location, SourcePosition, locationOf, DefaultNone},

	{UserTotalDistance, SourceDetails, numberOf("user.total_distance", "bike.user.total_distance", "total_distance"), DefaultNone},

	{DayAverageSpeed, SourceDay, numberOf("avg_speed"), DefaultNone},
	{MonthDistance, SourceMonth, numberOf("distance"), DefaultNone},
	{MonthAverageSpeed, SourceMonth, numberOf("avg_speed"), DefaultNone},
	{YearDistance, SourceYear, numberOf("distance"), DefaultNone},
	{YearAverageSpeed, SourceYear, numberOf("avg_speed"), DefaultNone},
}

func numberOf(paths ...string) extractor {
	return func(p Payload) (any, bool) {
		v, ok := p.number(paths...)
		if !ok {
			return nil, false
		}
		return v, true
	}
}

func flagOf(path string) extractor {
	return func(p Payload) (any, bool) {
		raw, ok := p.lookup(path)
		if !ok {
			return nil, false
		}
		switch v := raw.(type) {
		case bool:
			return v, true
		case float64:
			return v != 0, true
		case string:
			b, err := strconv.ParseBool(v)
			return b, err == nil
		}
		return nil, false
	}
}

func lightOf(p Payload) (any, bool) {
	if v, ok := flagOf("light_on")(p); ok {
		return v, true
	}
	if mode := p.text("light"); mode != "" {
		lit := LightMode(mode).Lit()
		return lit, true
	}
	return nil, false
}

func lockedOf(p Payload) (any, bool) {
	for _, key := range []string{"lock", "lock_status"} {
		switch p.text(key) {
		case "locked", "true":
			return true, true
		case "unlocked", "false":
			return false, true
		}
	}
	return flagOf("bike_lock")(p)
}

func locationOf(p Payload) (any, bool) {
	lat, okLat := p.number("latitude")
	lon, okLon := p.number("longitude")
	if !okLat || !okLon {
		return nil, false
	}
	return fmt.Sprintf("%s, %s", formatNumber(lat), formatNumber(lon)), true
}

// Snapshot holds the last observed value of every capability of one bike.
// Values are float64, bool or string.
type Snapshot map[Capability]any

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s Snapshot) Float(c Capability) (float64, bool) {
	v, ok := s[c].(float64)
	return v, ok
}

func (s Snapshot) Bool(c Capability) (bool, bool) {
	v, ok := s[c].(bool)
	return v, ok
}

func (s Snapshot) String(c Capability) (string, bool) {
	v, ok := s[c].(string)
	return v, ok
}

// Merge returns a copy of s updated from the fetched payloads. Capabilities
// whose source was not fetched keep their value; a missing field only falls
// back to its default when the capability has no value yet.
func Merge(s Snapshot, payloads map[Source]Payload) Snapshot {
	next := s.Clone()
	for _, field := range capabilityTable {
		payload, ok := payloads[field.source]
		if !ok {
			continue
		}
		if v, ok := field.extract(payload); ok {
			next[field.capability] = v
			continue
		}
		if _, present := next[field.capability]; present {
			continue
		}
		switch field.fallback {
		case DefaultZero:
			next[field.capability] = 0.0
		case DefaultFalse:
			next[field.capability] = false
		}
	}
	return next
}

// isActive reports whether a status payload shows the bike in use.
func isActive(status Payload) bool {
	if theft, ok := flagOf("theft_flag")(status); ok && theft.(bool) {
		return true
	}
	if locked, ok := lockedOf(status); ok && !locked.(bool) {
		return true
	}
	speed, ok := status.number("bike_speed", "speed")
	return ok && speed > 0
}

// Sensor selects a temperature capability for TemperatureInRange.
type Sensor string

const (
	SensorMotor   Sensor = "motor"
	SensorBattery Sensor = "battery"
)

func (s Snapshot) BatteryAbove(threshold float64) bool {
	v, ok := s.Float(Battery)
	return ok && v > threshold
}

func (s Snapshot) BatteryHealthAbove(threshold float64) bool {
	v, ok := s.Float(BatteryHealth)
	return ok && v > threshold
}

func (s Snapshot) IsLocked() bool {
	v, _ := s.Bool(Locked)
	return v
}

func (s Snapshot) LightOn() bool {
	v, _ := s.Bool(Light)
	return v
}

func (s Snapshot) TheftActive() bool {
	v, _ := s.Bool(Theft)
	return v
}

func (s Snapshot) TemperatureInRange(sensor Sensor, lo, hi float64) bool {
	c := BatteryTemperature
	if sensor == SensorMotor {
		c = MotorTemperature
	}
	v, ok := s.Float(c)
	return ok && v >= lo && v <= hi
}

// Summary is the one-line notification text for a bike.
func (s Snapshot) Summary(name string) string {
	battery, _ := s.Float(Battery)
	trip, _ := s.Float(TripDistance)
	return fmt.Sprintf("%s: Battery %s%%, Trip %skm", name, formatNumber(battery), formatNumber(trip))
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
