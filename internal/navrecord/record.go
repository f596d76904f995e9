package navrecord

import "encoding/json"

// Sentinels used on the wire.
const (
	NoCamera = -1
	NoStop   = -1
)

// Traffic light states.
const (
	LightNone   = 0
	LightRed    = 1
	LightGreen  = 2
	LightYellow = 3
)

// Record is the normalized navigation snapshot relayed to the peer.
//
// Distances are meters, limits km/h, times seconds, angles degrees.
type Record struct {
	RoadLimitSpeed int
	RoadName       string
	RoadCategory   int

	Lat     float64
	Lon     float64
	Heading float64

	TurnDist float64
	TurnType int

	Camera      Camera
	BlockCamera Camera

	GoalDist int
	GoalTime int

	LightState int
	LightSec   int
	LightDist  int

	Sapa     Stop
	NextSapa Stop

	ETAText string

	Congestion Congestion

	NextNextTurn int
	NextNextRoad string
}

// Camera is a point or block/section speed camera.
type Camera struct {
	Type  int
	Limit int
	Dist  float64
}

// Stop is a service area, toll station, or fuel stop along the route.
type Stop struct {
	Name string
	Dist int
	Type int
}

// Congestion holds cumulative distances ahead per severity.
type Congestion struct {
	Slow   int
	Jam    int
	Severe int
}

func noCamera() Camera { return Camera{Type: NoCamera} }

// New returns an empty record with "none" sentinels set.
func New() Record {
	return Record{
		Camera:      noCamera(),
		BlockCamera: noCamera(),
		Sapa:        Stop{Dist: NoStop, Type: NoStop},
		NextSapa:    Stop{Dist: NoStop, Type: NoStop},
	}
}

// HasFix reports whether the record carries a GPS position.
func (r Record) HasFix() bool {
	return r.Lat != 0 || r.Lon != 0
}

// Fields returns the flat key/value form sent to the peer. Key names are
// stable; new keys may be added but existing ones are never renamed.
func (r Record) Fields() map[string]any {
	return map[string]any{
		"nRoadLimitSpeed":   r.RoadLimitSpeed,
		"nSdiType":          r.Camera.Type,
		"nSdiSpeedLimit":    r.Camera.Limit,
		"nSdiDist":          r.Camera.Dist,
		"nSdiBlockType":     r.BlockCamera.Type,
		"nSdiBlockSpeed":    r.BlockCamera.Limit,
		"nSdiBlockDist":     r.BlockCamera.Dist,
		"vpPosPointLat":     r.Lat,
		"vpPosPointLon":     r.Lon,
		"nPosAngle":         r.Heading,
		"szPosRoadName":     r.RoadName,
		"roadcate":          r.RoadCategory,
		"nTBTDist":          r.TurnDist,
		"nTBTTurnType":      r.TurnType,
		"nGoPosDist":        r.GoalDist,
		"nGoPosTime":        r.GoalTime,
		"nTrafficLight":     r.LightState,
		"nTrafficLightSec":  r.LightSec,
		"nTrafficLightDist": r.LightDist,
		"sapaName":          r.Sapa.Name,
		"sapaDist":          r.Sapa.Dist,
		"sapaType":          r.Sapa.Type,
		"nextSapaName":      r.NextSapa.Name,
		"nextSapaDist":      r.NextSapa.Dist,
		"nextSapaType":      r.NextSapa.Type,
		"etaText":           r.ETAText,
		"tmcSlowDist":       r.Congestion.Slow,
		"tmcJamDist":        r.Congestion.Jam,
		"tmcBlockDist":      r.Congestion.Severe,
		"nextNextTurnIcon":  r.NextNextTurn,
		"nextNextRoadName":  r.NextNextRoad,
	}
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}
