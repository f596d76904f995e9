package decoder

import (
	"fmt"
	"strings"

	"navbridge/internal/navrecord"
)

// digest renders a one-line summary of what a payload changed, for logs and
// the status page.
func digest(res Result) string {
	var b strings.Builder
	b.WriteString("kind=")
	b.WriteString(res.Kind.String())

	u := res.Update
	if u.RoadName != nil && *u.RoadName != "" {
		fmt.Fprintf(&b, " road=%q", *u.RoadName)
	}
	if u.RoadLimitSpeed != nil {
		if res.OriginalLimit != 0 && res.OriginalLimit != *u.RoadLimitSpeed {
			fmt.Fprintf(&b, " limit=%d(%d)", *u.RoadLimitSpeed, res.OriginalLimit)
		} else {
			fmt.Fprintf(&b, " limit=%d", *u.RoadLimitSpeed)
		}
	}
	if u.Lat != nil && u.Lon != nil {
		fmt.Fprintf(&b, " fix=%.5f,%.5f", *u.Lat, *u.Lon)
	}
	writeCamera(&b, "cam", u.Camera)
	writeCamera(&b, "block", u.BlockCamera)
	writeCamera(&b, "cam", u.ActiveCamera)
	if u.TurnDist != nil || u.TurnType != nil {
		b.WriteString(" tbt=")
		if u.TurnDist != nil {
			fmt.Fprintf(&b, "%.0f", *u.TurnDist)
		}
		if u.TurnType != nil {
			fmt.Fprintf(&b, "/%d", *u.TurnType)
		}
	}
	if u.LightState != nil {
		fmt.Fprintf(&b, " light=%d", *u.LightState)
		if u.LightSec != nil {
			fmt.Fprintf(&b, "/%ds", *u.LightSec)
		}
	}
	if c := u.Congestion; c != nil {
		fmt.Fprintf(&b, " tmc=%d/%d/%d", c.Slow, c.Jam, c.Severe)
	}
	if u.GoalDist != nil {
		fmt.Fprintf(&b, " goal=%dm", *u.GoalDist)
	}
	if !res.Applied {
		b.WriteString(" noop")
	}
	return b.String()
}

// writeCamera prints type/limit@dist, with "-" for fields the update leaves alone.
func writeCamera(b *strings.Builder, label string, c navrecord.CameraUpdate) {
	if c.Type == nil && c.Limit == nil && c.Dist == nil {
		return
	}
	fmt.Fprintf(b, " %s=", label)
	if c.Type != nil {
		fmt.Fprintf(b, "%d", *c.Type)
	} else {
		b.WriteString("-")
	}
	if c.Limit != nil {
		fmt.Fprintf(b, "/%d", *c.Limit)
	} else {
		b.WriteString("/-")
	}
	if c.Dist != nil {
		fmt.Fprintf(b, "@%.0f", *c.Dist)
	} else {
		b.WriteString("@-")
	}
}
