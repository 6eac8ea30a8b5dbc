package compaction

import (
	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// flattenFunc turns one decoded feed snapshot into rows. sourceFile is the
// archive key the snapshot was read from, feedURL the canonical feed URL.
type flattenFunc[T any] func(feed *gtfs.FeedMessage, sourceFile, feedURL string) []T

// headerTimestamp returns the envelope timestamp, nil when it is unset or
// zero. Feeds that never set it would otherwise look like they were all
// generated at the epoch.
func headerTimestamp(feed *gtfs.FeedMessage) *uint64 {
	ts := feed.GetHeader().GetTimestamp()
	if ts == 0 {
		return nil
	}
	return &ts
}

// enumCode widens a protobuf enum pointer to the int32 column code.
func enumCode[E ~int32](e *E) *int32 {
	if e == nil {
		return nil
	}
	code := int32(*e)
	return &code
}

// firstTranslation returns the text of the first translation. Feeds put
// their primary language first; GTFS-RT does not require it to be English.
func firstTranslation(ts *gtfs.TranslatedString) *string {
	tr := ts.GetTranslation()
	if len(tr) == 0 {
		return nil
	}
	return tr[0].Text
}

func vehiclePositionRows(feed *gtfs.FeedMessage, sourceFile, feedURL string) []VehiclePositionRow {
	feedTS := headerTimestamp(feed)

	var rows []VehiclePositionRow
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil {
			continue
		}

		row := VehiclePositionRow{
			SourceFile:    sourceFile,
			FeedURL:       feedURL,
			FeedTimestamp: feedTS,
			EntityID:      entity.GetId(),

			CurrentStopSequence: vp.CurrentStopSequence,
			StopID:              vp.StopId,
			CurrentStatus:       enumCode(vp.CurrentStatus),
			Timestamp:           vp.Timestamp,
			CongestionLevel:     enumCode(vp.CongestionLevel),
			OccupancyStatus:     enumCode(vp.OccupancyStatus),
			OccupancyPercentage: vp.OccupancyPercentage,
		}

		if trip := vp.GetTrip(); trip != nil {
			row.TripID = trip.TripId
			row.RouteID = trip.RouteId
			row.DirectionID = trip.DirectionId
			row.StartTime = trip.StartTime
			row.StartDate = trip.StartDate
			row.ScheduleRelationship = enumCode(trip.ScheduleRelationship)
		}
		if vd := vp.GetVehicle(); vd != nil {
			row.VehicleID = vd.Id
			row.VehicleLabel = vd.Label
			row.LicensePlate = vd.LicensePlate
		}
		if pos := vp.GetPosition(); pos != nil {
			row.Latitude = pos.Latitude
			row.Longitude = pos.Longitude
			row.Bearing = pos.Bearing
			row.Odometer = pos.Odometer
			row.Speed = pos.Speed
		}

		rows = append(rows, row)
	}
	return rows
}

func tripUpdateRows(feed *gtfs.FeedMessage, sourceFile, feedURL string) []TripUpdateRow {
	feedTS := headerTimestamp(feed)

	var rows []TripUpdateRow
	for _, entity := range feed.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}

		base := TripUpdateRow{
			SourceFile:    sourceFile,
			FeedURL:       feedURL,
			FeedTimestamp: feedTS,
			EntityID:      entity.GetId(),

			TripTimestamp: tu.Timestamp,
			TripDelay:     tu.Delay,
		}

		if trip := tu.GetTrip(); trip != nil {
			base.TripID = trip.TripId
			base.RouteID = trip.RouteId
			base.DirectionID = trip.DirectionId
			base.StartTime = trip.StartTime
			base.StartDate = trip.StartDate
			base.ScheduleRelationship = enumCode(trip.ScheduleRelationship)
		}
		if vd := tu.GetVehicle(); vd != nil {
			base.VehicleID = vd.Id
			base.VehicleLabel = vd.Label
		}

		updates := tu.GetStopTimeUpdate()
		if len(updates) == 0 {
			rows = append(rows, base)
			continue
		}

		for _, stu := range updates {
			row := base
			row.StopSequence = stu.StopSequence
			row.StopID = stu.StopId
			row.StopScheduleRelationship = enumCode(stu.ScheduleRelationship)
			if arr := stu.GetArrival(); arr != nil {
				row.ArrivalDelay = arr.Delay
				row.ArrivalTime = arr.Time
				row.ArrivalUncertainty = arr.Uncertainty
			}
			if dep := stu.GetDeparture(); dep != nil {
				row.DepartureDelay = dep.Delay
				row.DepartureTime = dep.Time
				row.DepartureUncertainty = dep.Uncertainty
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func serviceAlertRows(feed *gtfs.FeedMessage, sourceFile, feedURL string) []ServiceAlertRow {
	feedTS := headerTimestamp(feed)

	var rows []ServiceAlertRow
	for _, entity := range feed.GetEntity() {
		alert := entity.GetAlert()
		if alert == nil {
			continue
		}

		base := ServiceAlertRow{
			SourceFile:    sourceFile,
			FeedURL:       feedURL,
			FeedTimestamp: feedTS,
			EntityID:      entity.GetId(),

			Cause:         enumCode(alert.Cause),
			Effect:        enumCode(alert.Effect),
			SeverityLevel: enumCode(alert.SeverityLevel),

			HeaderText:      firstTranslation(alert.GetHeaderText()),
			DescriptionText: firstTranslation(alert.GetDescriptionText()),
			URL:             firstTranslation(alert.GetUrl()),
		}

		if periods := alert.GetActivePeriod(); len(periods) > 0 {
			base.ActivePeriodStart = periods[0].Start
			base.ActivePeriodEnd = periods[0].End
		}

		informed := alert.GetInformedEntity()
		if len(informed) == 0 {
			rows = append(rows, base)
			continue
		}

		for _, ie := range informed {
			row := base
			row.AgencyID = ie.AgencyId
			row.RouteID = ie.RouteId
			row.RouteType = ie.RouteType
			row.StopID = ie.StopId
			if trip := ie.GetTrip(); trip != nil {
				row.TripID = trip.TripId
				row.TripRouteID = trip.RouteId
				row.TripDirectionID = trip.DirectionId
			}
			rows = append(rows, row)
		}
	}
	return rows
}
