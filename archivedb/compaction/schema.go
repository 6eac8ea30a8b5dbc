package compaction

// Row schemas for the three compacted feed types. Column names and primitive
// widths are load-bearing: downstream consumers address columns by name, so
// renaming or retyping one is a breaking change that needs coordination.
//
// Optional columns are pointers; nil means the field was not set in the
// source message. Zero values pass through as zero, never as null.

// VehiclePositionRow is one vehicle entity from one archived snapshot.
type VehiclePositionRow struct {
	SourceFile    string  `parquet:"source_file,snappy,dict"`
	FeedURL       string  `parquet:"feed_url,snappy,dict"`
	FeedTimestamp *uint64 `parquet:"feed_timestamp,snappy,optional"`
	EntityID      string  `parquet:"entity_id,snappy,dict"`

	TripID               *string `parquet:"trip_id,snappy,dict,optional"`
	RouteID              *string `parquet:"route_id,snappy,dict,optional"`
	DirectionID          *uint32 `parquet:"direction_id,snappy,optional"`
	StartTime            *string `parquet:"start_time,snappy,dict,optional"`
	StartDate            *string `parquet:"start_date,snappy,dict,optional"`
	ScheduleRelationship *int32  `parquet:"schedule_relationship,snappy,optional"`

	VehicleID    *string `parquet:"vehicle_id,snappy,dict,optional"`
	VehicleLabel *string `parquet:"vehicle_label,snappy,dict,optional"`
	LicensePlate *string `parquet:"license_plate,snappy,dict,optional"`

	Latitude  *float32 `parquet:"latitude,snappy,optional"`
	Longitude *float32 `parquet:"longitude,snappy,optional"`
	Bearing   *float32 `parquet:"bearing,snappy,optional"`
	Odometer  *float64 `parquet:"odometer,snappy,optional"`
	Speed     *float32 `parquet:"speed,snappy,optional"`

	CurrentStopSequence *uint32 `parquet:"current_stop_sequence,snappy,optional"`
	StopID              *string `parquet:"stop_id,snappy,dict,optional"`
	CurrentStatus       *int32  `parquet:"current_status,snappy,optional"`
	Timestamp           *uint64 `parquet:"timestamp,snappy,optional"`
	CongestionLevel     *int32  `parquet:"congestion_level,snappy,optional"`
	OccupancyStatus     *int32  `parquet:"occupancy_status,snappy,optional"`
	OccupancyPercentage *uint32 `parquet:"occupancy_percentage,snappy,optional"`
}

// TripUpdateRow is one stop_time_update of one trip update entity. An entity
// with no stop_time_updates still produces a single row with the stop-time
// columns null, so entity counts survive compaction.
type TripUpdateRow struct {
	SourceFile    string  `parquet:"source_file,snappy,dict"`
	FeedURL       string  `parquet:"feed_url,snappy,dict"`
	FeedTimestamp *uint64 `parquet:"feed_timestamp,snappy,optional"`
	EntityID      string  `parquet:"entity_id,snappy,dict"`

	TripID               *string `parquet:"trip_id,snappy,dict,optional"`
	RouteID              *string `parquet:"route_id,snappy,dict,optional"`
	DirectionID          *uint32 `parquet:"direction_id,snappy,optional"`
	StartTime            *string `parquet:"start_time,snappy,dict,optional"`
	StartDate            *string `parquet:"start_date,snappy,dict,optional"`
	ScheduleRelationship *int32  `parquet:"schedule_relationship,snappy,optional"`

	VehicleID    *string `parquet:"vehicle_id,snappy,dict,optional"`
	VehicleLabel *string `parquet:"vehicle_label,snappy,dict,optional"`

	TripTimestamp *uint64 `parquet:"trip_timestamp,snappy,optional"`
	TripDelay     *int32  `parquet:"trip_delay,snappy,optional"`

	StopSequence             *uint32 `parquet:"stop_sequence,snappy,optional"`
	StopID                   *string `parquet:"stop_id,snappy,dict,optional"`
	ArrivalDelay             *int32  `parquet:"arrival_delay,snappy,optional"`
	ArrivalTime              *int64  `parquet:"arrival_time,snappy,optional"`
	ArrivalUncertainty       *int32  `parquet:"arrival_uncertainty,snappy,optional"`
	DepartureDelay           *int32  `parquet:"departure_delay,snappy,optional"`
	DepartureTime            *int64  `parquet:"departure_time,snappy,optional"`
	DepartureUncertainty     *int32  `parquet:"departure_uncertainty,snappy,optional"`
	StopScheduleRelationship *int32  `parquet:"stop_schedule_relationship,snappy,optional"`
}

// ServiceAlertRow is one informed_entity of one alert entity. An alert with
// no informed entities still produces a single row with the selector columns
// null.
type ServiceAlertRow struct {
	SourceFile    string  `parquet:"source_file,snappy,dict"`
	FeedURL       string  `parquet:"feed_url,snappy,dict"`
	FeedTimestamp *uint64 `parquet:"feed_timestamp,snappy,optional"`
	EntityID      string  `parquet:"entity_id,snappy,dict"`

	Cause         *int32 `parquet:"cause,snappy,optional"`
	Effect        *int32 `parquet:"effect,snappy,optional"`
	SeverityLevel *int32 `parquet:"severity_level,snappy,optional"`

	ActivePeriodStart *uint64 `parquet:"active_period_start,snappy,optional"`
	ActivePeriodEnd   *uint64 `parquet:"active_period_end,snappy,optional"`

	HeaderText      *string `parquet:"header_text,snappy,optional"`
	DescriptionText *string `parquet:"description_text,snappy,optional"`
	URL             *string `parquet:"url,snappy,optional"`

	AgencyID        *string `parquet:"agency_id,snappy,dict,optional"`
	RouteID         *string `parquet:"route_id,snappy,dict,optional"`
	RouteType       *int32  `parquet:"route_type,snappy,optional"`
	StopID          *string `parquet:"stop_id,snappy,dict,optional"`
	TripID          *string `parquet:"trip_id,snappy,dict,optional"`
	TripRouteID     *string `parquet:"trip_route_id,snappy,dict,optional"`
	TripDirectionID *uint32 `parquet:"trip_direction_id,snappy,optional"`
}
