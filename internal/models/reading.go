package models

// Reading is one fabricated car telemetry sample.
type Reading struct {
	TripID                string  `json:"trip_id"`
	EngineSpeedMean       float64 `json:"engine_speed_mean"`
	FuelLevel             float64 `json:"fuel_level"`
	HighAccelerationEvent float64 `json:"high_acceleration_event"`
	HighBreakingEvent     float64 `json:"high_breaking_event"`
	Odometer              float64 `json:"odometer"`
	OilTempMean           float64 `json:"oil_temp_mean"`
	VIN                   string  `json:"vin"`
	Latitude              float64 `json:"latitude"`
	Longitude             float64 `json:"longitude"`
	Device                string  `json:"device"`
	Datetime              string  `json:"datetime"`
}
