package compaction

import (
	"testing"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func feedWithHeader(ts uint64, entities ...*gtfs.FeedEntity) *gtfs.FeedMessage {
	header := &gtfs.FeedHeader{
		GtfsRealtimeVersion: proto.String("2.0"),
	}
	if ts != 0 {
		header.Timestamp = proto.Uint64(ts)
	}
	return &gtfs.FeedMessage{Header: header, Entity: entities}
}

func TestVehiclePositionRows(t *testing.T) {
	feed := feedWithHeader(1736951000,
		&gtfs.FeedEntity{
			Id: proto.String("veh-1"),
			Vehicle: &gtfs.VehiclePosition{
				Trip: &gtfs.TripDescriptor{
					TripId:               proto.String("trip-1"),
					RouteId:              proto.String("route-9"),
					DirectionId:          proto.Uint32(1),
					StartTime:            proto.String("08:00:00"),
					StartDate:            proto.String("20250115"),
					ScheduleRelationship: gtfs.TripDescriptor_SCHEDULED.Enum(),
				},
				Vehicle: &gtfs.VehicleDescriptor{
					Id:    proto.String("bus-42"),
					Label: proto.String("42"),
				},
				Position: &gtfs.Position{
					Latitude:  proto.Float32(39.95),
					Longitude: proto.Float32(-75.16),
					Speed:     proto.Float32(0),
				},
				StopId:        proto.String("stop-7"),
				CurrentStatus: gtfs.VehiclePosition_STOPPED_AT.Enum(),
				Timestamp:     proto.Uint64(1736950990),
			},
		},
		&gtfs.FeedEntity{
			// A bare position: no trip, no vehicle descriptor.
			Id: proto.String("veh-2"),
			Vehicle: &gtfs.VehiclePosition{
				Position: &gtfs.Position{
					Latitude:  proto.Float32(40.0),
					Longitude: proto.Float32(-75.0),
				},
			},
		},
		&gtfs.FeedEntity{
			// Trip update entities do not contribute vehicle rows.
			Id:         proto.String("tu-1"),
			TripUpdate: &gtfs.TripUpdate{Trip: &gtfs.TripDescriptor{TripId: proto.String("t")}},
		},
	)

	rows := vehiclePositionRows(feed, "a/b/one.pb", "https://gtfs.example.com/rt")
	require.Len(t, rows, 2)

	full := rows[0]
	assert.Equal(t, "a/b/one.pb", full.SourceFile)
	assert.Equal(t, "https://gtfs.example.com/rt", full.FeedURL)
	require.NotNil(t, full.FeedTimestamp)
	assert.Equal(t, uint64(1736951000), *full.FeedTimestamp)
	assert.Equal(t, "veh-1", full.EntityID)
	require.NotNil(t, full.TripID)
	assert.Equal(t, "trip-1", *full.TripID)
	require.NotNil(t, full.DirectionID)
	assert.Equal(t, uint32(1), *full.DirectionID)
	require.NotNil(t, full.ScheduleRelationship)
	assert.Equal(t, int32(gtfs.TripDescriptor_SCHEDULED), *full.ScheduleRelationship)
	require.NotNil(t, full.VehicleID)
	assert.Equal(t, "bus-42", *full.VehicleID)
	require.NotNil(t, full.Latitude)
	assert.InDelta(t, 39.95, float64(*full.Latitude), 0.0001)

	// A set zero is a zero, not a null.
	require.NotNil(t, full.Speed)
	assert.Equal(t, float32(0), *full.Speed)

	// Unset optional fields are null.
	assert.Nil(t, full.Bearing)
	assert.Nil(t, full.Odometer)
	assert.Nil(t, full.LicensePlate)
	assert.Nil(t, full.CurrentStopSequence)
	assert.Nil(t, full.CongestionLevel)
	assert.Nil(t, full.OccupancyStatus)
	assert.Nil(t, full.OccupancyPercentage)

	require.NotNil(t, full.CurrentStatus)
	assert.Equal(t, int32(gtfs.VehiclePosition_STOPPED_AT), *full.CurrentStatus)

	bare := rows[1]
	assert.Equal(t, "veh-2", bare.EntityID)
	assert.Nil(t, bare.TripID)
	assert.Nil(t, bare.RouteID)
	assert.Nil(t, bare.ScheduleRelationship)
	assert.Nil(t, bare.VehicleID)
	assert.Nil(t, bare.StopID)
	require.NotNil(t, bare.Latitude)
}

func TestTripUpdateRowsDenormalizeByStopTimeUpdate(t *testing.T) {
	feed := feedWithHeader(1736951000,
		&gtfs.FeedEntity{
			Id: proto.String("tu-1"),
			TripUpdate: &gtfs.TripUpdate{
				Trip: &gtfs.TripDescriptor{
					TripId:  proto.String("trip-1"),
					RouteId: proto.String("route-9"),
				},
				Vehicle:   &gtfs.VehicleDescriptor{Id: proto.String("bus-42")},
				Timestamp: proto.Uint64(1736950991),
				Delay:     proto.Int32(0),
				StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
					{
						StopSequence: proto.Uint32(4),
						StopId:       proto.String("stop-4"),
						Arrival: &gtfs.TripUpdate_StopTimeEvent{
							Delay: proto.Int32(-30),
							Time:  proto.Int64(1736951100),
						},
						ScheduleRelationship: gtfs.TripUpdate_StopTimeUpdate_SKIPPED.Enum(),
					},
					{
						StopSequence: proto.Uint32(5),
						StopId:       proto.String("stop-5"),
						Departure: &gtfs.TripUpdate_StopTimeEvent{
							Time:        proto.Int64(1736951400),
							Uncertainty: proto.Int32(60),
						},
					},
				},
			},
		},
		&gtfs.FeedEntity{
			Id: proto.String("tu-2"),
			TripUpdate: &gtfs.TripUpdate{
				Trip: &gtfs.TripDescriptor{TripId: proto.String("trip-2")},
			},
		},
	)

	rows := tripUpdateRows(feed, "a/b/one.pb", "https://gtfs.example.com/rt")
	require.Len(t, rows, 3)

	first := rows[0]
	assert.Equal(t, "tu-1", first.EntityID)
	require.NotNil(t, first.TripID)
	assert.Equal(t, "trip-1", *first.TripID)
	require.NotNil(t, first.TripTimestamp)
	assert.Equal(t, uint64(1736950991), *first.TripTimestamp)
	require.NotNil(t, first.TripDelay)
	assert.Equal(t, int32(0), *first.TripDelay)
	require.NotNil(t, first.StopSequence)
	assert.Equal(t, uint32(4), *first.StopSequence)
	require.NotNil(t, first.ArrivalDelay)
	assert.Equal(t, int32(-30), *first.ArrivalDelay)
	require.NotNil(t, first.ArrivalTime)
	assert.Equal(t, int64(1736951100), *first.ArrivalTime)
	assert.Nil(t, first.ArrivalUncertainty)
	assert.Nil(t, first.DepartureDelay)
	assert.Nil(t, first.DepartureTime)
	require.NotNil(t, first.StopScheduleRelationship)
	assert.Equal(t, int32(gtfs.TripUpdate_StopTimeUpdate_SKIPPED), *first.StopScheduleRelationship)

	second := rows[1]
	assert.Equal(t, "tu-1", second.EntityID)
	require.NotNil(t, second.StopSequence)
	assert.Equal(t, uint32(5), *second.StopSequence)
	assert.Nil(t, second.ArrivalTime)
	require.NotNil(t, second.DepartureTime)
	assert.Equal(t, int64(1736951400), *second.DepartureTime)
	require.NotNil(t, second.DepartureUncertainty)
	assert.Equal(t, int32(60), *second.DepartureUncertainty)
	assert.Nil(t, second.StopScheduleRelationship)

	// The update with no stop_time_updates still yields one row, with the
	// stop-time columns null.
	padded := rows[2]
	assert.Equal(t, "tu-2", padded.EntityID)
	require.NotNil(t, padded.TripID)
	assert.Equal(t, "trip-2", *padded.TripID)
	assert.Nil(t, padded.StopSequence)
	assert.Nil(t, padded.StopID)
	assert.Nil(t, padded.ArrivalDelay)
	assert.Nil(t, padded.DepartureDelay)
	assert.Nil(t, padded.StopScheduleRelationship)
}

func TestServiceAlertRowsDenormalizeByInformedEntity(t *testing.T) {
	feed := feedWithHeader(1736951000,
		&gtfs.FeedEntity{
			Id: proto.String("alert-1"),
			Alert: &gtfs.Alert{
				ActivePeriod: []*gtfs.TimeRange{
					{Start: proto.Uint64(1736900000), End: proto.Uint64(1736990000)},
					{Start: proto.Uint64(1737000000)},
				},
				Cause:         gtfs.Alert_CONSTRUCTION.Enum(),
				Effect:        gtfs.Alert_DETOUR.Enum(),
				SeverityLevel: gtfs.Alert_WARNING.Enum(),
				HeaderText: &gtfs.TranslatedString{
					Translation: []*gtfs.TranslatedString_Translation{
						{Text: proto.String("Detour on Market St"), Language: proto.String("en")},
						{Text: proto.String("Desvío en Market St"), Language: proto.String("es")},
					},
				},
				Url: &gtfs.TranslatedString{},
				InformedEntity: []*gtfs.EntitySelector{
					{RouteId: proto.String("route-9"), RouteType: proto.Int32(3)},
					{StopId: proto.String("stop-7"), Trip: &gtfs.TripDescriptor{
						TripId:      proto.String("trip-1"),
						RouteId:     proto.String("route-9"),
						DirectionId: proto.Uint32(0),
					}},
				},
			},
		},
		&gtfs.FeedEntity{
			Id:    proto.String("alert-2"),
			Alert: &gtfs.Alert{},
		},
	)

	rows := serviceAlertRows(feed, "a/b/one.pb", "https://gtfs.example.com/rt")
	require.Len(t, rows, 3)

	first := rows[0]
	assert.Equal(t, "alert-1", first.EntityID)
	require.NotNil(t, first.Cause)
	assert.Equal(t, int32(gtfs.Alert_CONSTRUCTION), *first.Cause)
	require.NotNil(t, first.Effect)
	assert.Equal(t, int32(gtfs.Alert_DETOUR), *first.Effect)
	require.NotNil(t, first.SeverityLevel)
	assert.Equal(t, int32(gtfs.Alert_WARNING), *first.SeverityLevel)

	// First active period only.
	require.NotNil(t, first.ActivePeriodStart)
	assert.Equal(t, uint64(1736900000), *first.ActivePeriodStart)
	require.NotNil(t, first.ActivePeriodEnd)
	assert.Equal(t, uint64(1736990000), *first.ActivePeriodEnd)

	// First translation only; a translated string with no translations is
	// null.
	require.NotNil(t, first.HeaderText)
	assert.Equal(t, "Detour on Market St", *first.HeaderText)
	assert.Nil(t, first.DescriptionText)
	assert.Nil(t, first.URL)

	require.NotNil(t, first.RouteID)
	assert.Equal(t, "route-9", *first.RouteID)
	require.NotNil(t, first.RouteType)
	assert.Equal(t, int32(3), *first.RouteType)
	assert.Nil(t, first.StopID)
	assert.Nil(t, first.TripID)

	second := rows[1]
	assert.Equal(t, "alert-1", second.EntityID)
	assert.Nil(t, second.RouteID)
	require.NotNil(t, second.StopID)
	assert.Equal(t, "stop-7", *second.StopID)
	require.NotNil(t, second.TripID)
	assert.Equal(t, "trip-1", *second.TripID)
	require.NotNil(t, second.TripRouteID)
	assert.Equal(t, "route-9", *second.TripRouteID)
	require.NotNil(t, second.TripDirectionID)
	assert.Equal(t, uint32(0), *second.TripDirectionID)

	// The alert with no informed entities still yields one row.
	padded := rows[2]
	assert.Equal(t, "alert-2", padded.EntityID)
	assert.Nil(t, padded.Cause)
	assert.Nil(t, padded.AgencyID)
	assert.Nil(t, padded.RouteID)
	assert.Nil(t, padded.ActivePeriodStart)
	assert.Nil(t, padded.HeaderText)
}

func TestHeaderTimestamp(t *testing.T) {
	set := feedWithHeader(1736951000)
	require.NotNil(t, headerTimestamp(set))
	assert.Equal(t, uint64(1736951000), *headerTimestamp(set))

	unset := feedWithHeader(0)
	assert.Nil(t, headerTimestamp(unset))

	// An explicit zero is treated as absent: feeds that set it are really
	// saying "no timestamp".
	zero := feedWithHeader(0)
	zero.Header.Timestamp = proto.Uint64(0)
	assert.Nil(t, headerTimestamp(zero))
}
