// Package cot builds and parses Cursor on Target (CoT) XML events for TAK
// consumers. Outbound serialisation is byte-stable: identical events render
// identical XML, attribute for attribute.
package cot

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"
)

const (
	// CoT schema version emitted on every event.
	Version = "2.0"

	timeLayout = "2006-01-02T15:04:05Z"

	// le is not estimated by the pipeline; TAK convention for "unknown".
	linearErrorM = "9999999.0"
)

// Point is the <point/> element: geodetic position plus error estimates.
type Point struct {
	Lat float64
	Lon float64
	// HaeM is pinned to 0.0 until a DEM interface exists.
	HaeM float64
	// CeM is the 1-sigma horizontal accuracy radius in metres.
	CeM float64
}

// Detail carries the human-facing annotations under <detail>.
type Detail struct {
	Callsign   string
	ColorValue int32
	Remarks    string
}

// Event is a single CoT event. Time fields are UTC.
type Event struct {
	UID    string
	Type   string
	Time   time.Time
	Start  time.Time
	Stale  time.Time
	Point  Point
	Detail Detail
}

// XML renders the event in the exact outbound wire layout. Lat/lon carry
// seven fractional digits, ce one.
func (e *Event) XML() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<?xml version="1.0" encoding="UTF-8"?>
<event version="%s" uid="%s" type="%s"
       time="%s" start="%s" stale="%s">
  <point lat="%.7f" lon="%.7f" hae="%.1f"
         ce="%.1f" le="%s"/>
  <detail>
    <contact callsign="%s"/>
    <color value="%d"/>
    <remarks>%s</remarks>
  </detail>
</event>`,
		Version, e.UID, e.Type,
		e.Time.UTC().Format(timeLayout), e.Start.UTC().Format(timeLayout), e.Stale.UTC().Format(timeLayout),
		e.Point.Lat, e.Point.Lon, e.Point.HaeM,
		e.Point.CeM, linearErrorM,
		xmlEscape(e.Detail.Callsign), e.Detail.ColorValue, xmlEscape(e.Detail.Remarks))
	return buf.Bytes()
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// Wire mirror structs for decoding.
type xmlEvent struct {
	XMLName xml.Name  `xml:"event"`
	Version string    `xml:"version,attr"`
	UID     string    `xml:"uid,attr"`
	Type    string    `xml:"type,attr"`
	Time    string    `xml:"time,attr"`
	Start   string    `xml:"start,attr"`
	Stale   string    `xml:"stale,attr"`
	Point   xmlPoint  `xml:"point"`
	Detail  xmlDetail `xml:"detail"`
}

type xmlPoint struct {
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
	Hae float64 `xml:"hae,attr"`
	Ce  float64 `xml:"ce,attr"`
	Le  float64 `xml:"le,attr"`
}

type xmlDetail struct {
	Contact struct {
		Callsign string `xml:"callsign,attr"`
	} `xml:"contact"`
	Color struct {
		Value int32 `xml:"value,attr"`
	} `xml:"color"`
	Remarks string `xml:"remarks"`
}

// Parse decodes an event previously produced by XML. It exists for the
// round-trip law and for test fixtures, not for inbound traffic.
func Parse(data []byte) (*Event, error) {
	var raw xmlEvent
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cot parse: %w", err)
	}

	evt := &Event{
		UID:  raw.UID,
		Type: raw.Type,
		Point: Point{
			Lat:  raw.Point.Lat,
			Lon:  raw.Point.Lon,
			HaeM: raw.Point.Hae,
			CeM:  raw.Point.Ce,
		},
		Detail: Detail{
			Callsign:   raw.Detail.Contact.Callsign,
			ColorValue: raw.Detail.Color.Value,
			Remarks:    raw.Detail.Remarks,
		},
	}

	var err error
	if evt.Time, err = time.Parse(timeLayout, raw.Time); err != nil {
		return nil, fmt.Errorf("cot parse time: %w", err)
	}
	if evt.Start, err = time.Parse(timeLayout, raw.Start); err != nil {
		return nil, fmt.Errorf("cot parse start: %w", err)
	}
	if evt.Stale, err = time.Parse(timeLayout, raw.Stale); err != nil {
		return nil, fmt.Errorf("cot parse stale: %w", err)
	}
	return evt, nil
}
