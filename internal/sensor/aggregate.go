package sensor

import "time"

// Averages is the mean of the latest readings across several sensors.
type Averages struct {
	Temperature float64   `json:"temperatureF"`
	Humidity    float64   `json:"humidityPercent"`
	Sensors     int       `json:"sensors"`
	Newest      time.Time `json:"newest"`
}

// Aggregate averages the given readings. Numeric fields are plain means;
// Newest is the most recent timestamp among them.
func Aggregate(readings []Reading) Averages {
	if len(readings) == 0 {
		return Averages{}
	}

	var (
		sumTemp     float64
		sumHumidity float64
		newestTS    time.Time
	)
	for _, r := range readings {
		sumTemp += r.Temperature
		sumHumidity += r.Humidity
		if r.Timestamp.After(newestTS) {
			newestTS = r.Timestamp
		}
	}

	n := float64(len(readings))
	return Averages{
		Temperature: sumTemp / n,
		Humidity:    sumHumidity / n,
		Sensors:     len(readings),
		Newest:      newestTS,
	}
}
