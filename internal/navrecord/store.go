package navrecord

import (
	"sync"
	"time"
)

// Update is a partial change to a Record. Nil fields are left untouched.
type Update struct {
	RoadLimitSpeed *int
	RoadName       *string
	RoadCategory   *int

	Lat     *float64
	Lon     *float64
	Heading *float64

	TurnDist *float64
	TurnType *int

	// Camera and BlockCamera are mutually exclusive: a Type on one resets
	// the other to NoCamera. If both carry a Type, BlockCamera wins.
	Camera      CameraUpdate
	BlockCamera CameraUpdate

	// ActiveCamera has no Type. Its fields land on whichever camera is
	// currently set, the point camera when neither is.
	ActiveCamera CameraUpdate

	GoalDist *int
	GoalTime *int

	LightState *int
	LightSec   *int
	LightDist  *int

	Sapa     StopUpdate
	NextSapa StopUpdate

	ETAText *string

	// Congestion replaces all three severities at once.
	Congestion *Congestion

	NextNextTurn *int
	NextNextRoad *string
}

// CameraUpdate changes individual camera fields. A NoCamera Type resets the
// whole camera.
type CameraUpdate struct {
	Type  *int
	Limit *int
	Dist  *float64
}

func (c CameraUpdate) empty() bool {
	return c.Type == nil && c.Limit == nil && c.Dist == nil
}

func (c CameraUpdate) applyTo(dst *Camera) {
	if c.Type != nil && *c.Type == NoCamera {
		*dst = noCamera()
		return
	}
	setInt(&dst.Type, c.Type)
	setInt(&dst.Limit, c.Limit)
	setFloat(&dst.Dist, c.Dist)
}

type StopUpdate struct {
	Name *string
	Dist *int
	Type *int
}

func (s StopUpdate) empty() bool {
	return s.Name == nil && s.Dist == nil && s.Type == nil
}

// Empty reports whether the update carries no fields.
func (u Update) Empty() bool {
	return u.RoadLimitSpeed == nil && u.RoadName == nil && u.RoadCategory == nil &&
		u.Lat == nil && u.Lon == nil && u.Heading == nil &&
		u.TurnDist == nil && u.TurnType == nil &&
		u.Camera.empty() && u.BlockCamera.empty() && u.ActiveCamera.empty() &&
		u.GoalDist == nil && u.GoalTime == nil &&
		u.LightState == nil && u.LightSec == nil && u.LightDist == nil &&
		u.Sapa.empty() && u.NextSapa.empty() &&
		u.ETAText == nil && u.Congestion == nil &&
		u.NextNextTurn == nil && u.NextNextRoad == nil
}

// ApplyTo merges u into r.
func (u Update) ApplyTo(r *Record) {
	if r == nil {
		return
	}
	setInt(&r.RoadLimitSpeed, u.RoadLimitSpeed)
	if u.RoadName != nil && *u.RoadName != "" {
		r.RoadName = *u.RoadName
	}
	setInt(&r.RoadCategory, u.RoadCategory)

	// A zero fix means "no fix" and must not clobber a known position.
	lat0 := u.Lat == nil || *u.Lat == 0
	lon0 := u.Lon == nil || *u.Lon == 0
	if !(lat0 && lon0) {
		setFloat(&r.Lat, u.Lat)
		setFloat(&r.Lon, u.Lon)
	}
	setFloat(&r.Heading, u.Heading)

	setFloat(&r.TurnDist, u.TurnDist)
	setInt(&r.TurnType, u.TurnType)

	switch {
	case u.BlockCamera.Type != nil:
		r.Camera = noCamera()
		u.BlockCamera.applyTo(&r.BlockCamera)
	case u.Camera.Type != nil:
		r.BlockCamera = noCamera()
		u.Camera.applyTo(&r.Camera)
	default:
		u.Camera.applyTo(&r.Camera)
		u.BlockCamera.applyTo(&r.BlockCamera)
	}
	if r.Camera.Type == NoCamera && r.BlockCamera.Type != NoCamera {
		u.ActiveCamera.applyTo(&r.BlockCamera)
	} else {
		u.ActiveCamera.applyTo(&r.Camera)
	}

	setInt(&r.GoalDist, u.GoalDist)
	setInt(&r.GoalTime, u.GoalTime)

	setInt(&r.LightState, u.LightState)
	setInt(&r.LightSec, u.LightSec)
	setInt(&r.LightDist, u.LightDist)

	u.Sapa.applyTo(&r.Sapa)
	u.NextSapa.applyTo(&r.NextSapa)

	if u.ETAText != nil {
		r.ETAText = *u.ETAText
	}
	if u.Congestion != nil {
		r.Congestion = *u.Congestion
	}

	setInt(&r.NextNextTurn, u.NextNextTurn)
	if u.NextNextRoad != nil {
		r.NextNextRoad = *u.NextNextRoad
	}
}

func (s StopUpdate) applyTo(dst *Stop) {
	if s.Name != nil {
		dst.Name = *s.Name
	}
	setInt(&dst.Dist, s.Dist)
	setInt(&dst.Type, s.Type)
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// Store is the single shared record of a bridge session. Decoders write it,
// the sender reads it; both only hold the lock for field copies.
type Store struct {
	mu        sync.RWMutex
	rec       Record
	updatedAt time.Time
	updates   uint64
}

func NewStore() *Store {
	return &Store{rec: New()}
}

func (s *Store) Apply(nowUTC time.Time, u Update) {
	if s == nil || u.Empty() {
		return
	}
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	s.mu.Lock()
	u.ApplyTo(&s.rec)
	s.updatedAt = nowUTC
	s.updates++
	s.mu.Unlock()
}

func (s *Store) Snapshot() Record {
	if s == nil {
		return New()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec
}

// LastUpdate returns when the record last changed and how many updates it
// has absorbed.
func (s *Store) LastUpdate() (time.Time, uint64) {
	if s == nil {
		return time.Time{}, 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt, s.updates
}
