package decoder

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"navbridge/internal/navrecord"
)

// Payload is one inbound broadcast: a flat map of field name to a loosely
// typed scalar (numbers, json.Number, numeric strings). Congestion payloads
// additionally carry a segment list, either decoded or as a JSON string.
type Payload map[string]any

// ParsePayload decodes a JSON object, keeping numbers as json.Number.
func ParsePayload(raw []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("payload json: %w", err)
	}
	if p == nil {
		return nil, errors.New("payload json: not an object")
	}
	return p, nil
}

// Kind identifies the sub-schema a payload follows.
type Kind int

const (
	KindUnknown Kind = iota
	// KindLegacy is a payload without discriminator; all fields are flattened.
	KindLegacy
	KindNavigation
	KindTrafficLight
	KindCongestion
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindNavigation:
		return "nav"
	case KindTrafficLight:
		return "light"
	case KindCongestion:
		return "tmc"
	default:
		return "unknown"
	}
}

// SpeedMapper substitutes decoded speed limits.
type SpeedMapper interface {
	Apply(v int) int
}

// Result is the outcome of decoding one payload.
type Result struct {
	Kind Kind
	// Code is the raw discriminator value, 0 for legacy payloads.
	Code   int
	Update navrecord.Update
	// OriginalLimit is the road speed limit before mapping; HasLimit reports
	// whether the payload carried one.
	OriginalLimit int
	HasLimit      bool
	Digest        string
	// Applied is false when the payload was ignored or changed nothing.
	Applied bool
}

// Decoder turns inbound payloads into NavRecord updates. It is safe for
// concurrent use.
type Decoder struct {
	mapper     SpeedMapper
	candidates map[string][]string

	unknownMu   sync.Mutex
	unknownSeen map[int]struct{}
}

type Option func(*Decoder)

// WithCandidates adds payload key names for a logical field. They are tried
// after the built-in names.
func WithCandidates(field string, keys ...string) Option {
	return func(d *Decoder) {
		d.candidates[field] = append(d.candidates[field], keys...)
	}
}

func New(mapper SpeedMapper, opts ...Option) *Decoder {
	d := &Decoder{
		mapper:      mapper,
		candidates:  copyCandidates(defaultCandidates),
		unknownSeen: make(map[int]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply decodes p and merges the result into store.
func (d *Decoder) Apply(store *navrecord.Store, p Payload) Result {
	res := d.Decode(p)
	if res.Applied && store != nil {
		store.Apply(time.Now().UTC(), res.Update)
	}
	return res
}

// Decode never panics and never returns an error: anything it cannot make
// sense of is treated as absent.
func (d *Decoder) Decode(p Payload) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("decoder: payload dropped panic=%v", r)
			res = Result{Kind: res.Kind, Code: res.Code, Digest: "kind=" + res.Kind.String() + " dropped"}
		}
	}()

	if len(p) == 0 {
		return Result{Digest: "empty"}
	}

	res.Kind, res.Code = d.classify(p)
	switch res.Kind {
	case KindLegacy:
		d.decodeNavigation(p, &res)
		d.decodeTrafficLight(p, &res)
		d.decodeCongestion(p, &res)
	case KindNavigation:
		d.decodeNavigation(p, &res)
	case KindTrafficLight:
		d.decodeTrafficLight(p, &res)
	case KindCongestion:
		d.decodeCongestion(p, &res)
	default:
		d.noteUnknown(res.Code)
		res.Digest = fmt.Sprintf("kind=unknown code=%d", res.Code)
		return res
	}

	res.Applied = !res.Update.Empty()
	res.Digest = digest(res)
	return res
}

func (d *Decoder) classify(p Payload) (Kind, int) {
	v, ok := d.lookup(p, fieldKind)
	if !ok {
		return KindLegacy, 0
	}
	code, ok := toInt(v)
	if !ok {
		return KindUnknown, 0
	}
	switch code {
	case kindCodeNavigation:
		return KindNavigation, code
	case kindCodeTrafficLight:
		return KindTrafficLight, code
	case kindCodeCongestion:
		return KindCongestion, code
	default:
		return KindUnknown, code
	}
}

func (d *Decoder) noteUnknown(code int) {
	d.unknownMu.Lock()
	_, seen := d.unknownSeen[code]
	if !seen {
		d.unknownSeen[code] = struct{}{}
	}
	d.unknownMu.Unlock()
	if !seen {
		log.Printf("decoder: ignoring unknown record kind=%d", code)
	}
}

func (d *Decoder) lookup(p Payload, field string) (any, bool) {
	for _, k := range d.candidates[field] {
		if v, ok := p[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (d *Decoder) intField(p Payload, field string) (*int, bool) {
	v, ok := d.lookup(p, field)
	if !ok {
		return nil, false
	}
	n, ok := toInt(v)
	if !ok {
		return nil, false
	}
	return &n, true
}

func (d *Decoder) floatField(p Payload, field string) (*float64, bool) {
	v, ok := d.lookup(p, field)
	if !ok {
		return nil, false
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, false
	}
	return &f, true
}

func (d *Decoder) stringField(p Payload, field string) (*string, bool) {
	v, ok := d.lookup(p, field)
	if !ok {
		return nil, false
	}
	s, ok := toString(v)
	if !ok {
		return nil, false
	}
	s = strings.TrimSpace(s)
	return &s, true
}

func (d *Decoder) decodeNavigation(p Payload, res *Result) {
	u := &res.Update

	if raw, ok := d.intField(p, fieldRoadLimit); ok {
		res.HasLimit = true
		eff := 0
		if *raw > 0 {
			res.OriginalLimit = *raw
			eff = *raw
			if d.mapper != nil {
				eff = d.mapper.Apply(*raw)
			}
		}
		u.RoadLimitSpeed = &eff
	}
	u.RoadName, _ = d.stringField(p, fieldRoadName)
	u.RoadCategory, _ = d.intField(p, fieldRoadCategory)

	u.Lat, _ = d.floatField(p, fieldLat)
	u.Lon, _ = d.floatField(p, fieldLon)
	u.Heading, _ = d.floatField(p, fieldHeading)

	u.TurnDist = nonNegFloat(d.floatField(p, fieldTurnDist))
	u.TurnType, _ = d.intField(p, fieldTurnType)

	d.decodeCamera(p, u)

	u.GoalDist = nonNegInt(d.intField(p, fieldGoalDist))
	u.GoalTime = nonNegInt(d.intField(p, fieldGoalTime))

	u.Sapa.Name, _ = d.stringField(p, fieldSapaName)
	u.Sapa.Dist = sentinelInt(d.intField(p, fieldSapaDist))
	u.Sapa.Type = sentinelInt(d.intField(p, fieldSapaType))
	u.NextSapa.Name, _ = d.stringField(p, fieldNextSapaName)
	u.NextSapa.Dist = sentinelInt(d.intField(p, fieldNextSapaDist))
	u.NextSapa.Type = sentinelInt(d.intField(p, fieldNextSapaType))

	u.ETAText, _ = d.stringField(p, fieldETA)

	u.NextNextTurn, _ = d.intField(p, fieldNextNextTurn)
	u.NextNextRoad, _ = d.stringField(p, fieldNextNextRoad)
}

// decodeCamera keeps the point and block cameras mutually exclusive.
//
// A real point-camera code (>= 0) decides by itself: block start/end codes
// route to the block camera, anything else to the point camera. Without one,
// the explicit block fields of older schemas are used. A "none" code clears
// both. Limit and distance without any code go to the camera already set.
func (d *Decoder) decodeCamera(p Payload, u *navrecord.Update) {
	pt, hasPT := d.intField(p, fieldCameraType)
	bt, hasBT := d.intField(p, fieldBlockType)
	limit := nonNegInt(d.intField(p, fieldCameraLimit))
	dist := nonNegFloat(d.floatField(p, fieldCameraDist))
	blockLimit := nonNegInt(d.intField(p, fieldBlockLimit))
	blockDist := nonNegFloat(d.floatField(p, fieldBlockDist))

	switch {
	case hasPT && *pt >= 0:
		cam := navrecord.CameraUpdate{
			Type:  pt,
			Limit: cmp.Or(limit, blockLimit),
			Dist:  cmp.Or(dist, blockDist),
		}
		if isBlockCode(*pt) {
			u.BlockCamera = cam
		} else {
			u.Camera = cam
		}
	case hasBT && *bt >= 0:
		u.BlockCamera = navrecord.CameraUpdate{Type: bt, Limit: blockLimit, Dist: blockDist}
	case hasPT || hasBT:
		none := navrecord.NoCamera
		u.Camera = navrecord.CameraUpdate{Type: &none}
	default:
		u.ActiveCamera = navrecord.CameraUpdate{Limit: limit, Dist: dist}
		u.BlockCamera = navrecord.CameraUpdate{Limit: blockLimit, Dist: blockDist}
	}
}

func isBlockCode(code int) bool {
	return code == CameraBlockStart || code == CameraBlockEnd
}

func (d *Decoder) decodeTrafficLight(p Payload, res *Result) {
	u := &res.Update
	if st, ok := d.intField(p, fieldLightState); ok {
		s := *st
		if s < navrecord.LightNone || s > navrecord.LightYellow {
			s = navrecord.LightNone
		}
		u.LightState = &s
	}
	u.LightSec = nonNegInt(d.intField(p, fieldLightSec))
	u.LightDist = nonNegInt(d.intField(p, fieldLightDist))
}

func (d *Decoder) decodeCongestion(p Payload, res *Result) {
	v, ok := d.lookup(p, fieldTMCSegments)
	if !ok {
		return
	}
	segs, err := segmentList(v)
	if err != nil {
		log.Printf("decoder: congestion ignored err=%v", err)
		return
	}
	var c navrecord.Congestion
	for i, s := range segs {
		seg, ok := s.(map[string]any)
		if !ok {
			log.Printf("decoder: congestion ignored err=segment %d is %T", i, s)
			return
		}
		sp := Payload(seg)
		status, ok := d.intField(sp, fieldTMCStatus)
		if !ok {
			continue
		}
		dist, ok := d.intField(sp, fieldTMCDist)
		if !ok || *dist <= 0 {
			continue
		}
		switch *status {
		case tmcSlow:
			c.Slow += *dist
		case tmcJam:
			c.Jam += *dist
		case tmcSevere:
			c.Severe += *dist
		}
	}
	res.Update.Congestion = &c
}

func segmentList(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []map[string]any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, nil
	case []Payload:
		out := make([]any, len(x))
		for i := range x {
			out[i] = map[string]any(x[i])
		}
		return out, nil
	case string:
		return segmentListJSON([]byte(x))
	case []byte:
		return segmentListJSON(x)
	case json.RawMessage:
		return segmentListJSON(x)
	default:
		return nil, fmt.Errorf("segments have type %T", v)
	}
}

func segmentListJSON(b []byte) ([]any, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("segments empty string")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("segments json: %w", err)
	}
	return out, nil
}

func nonNegInt(v *int, ok bool) *int {
	if !ok {
		return nil
	}
	n := max(*v, 0)
	return &n
}

func nonNegFloat(v *float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	f := max(*v, 0)
	return &f
}

// sentinelInt folds any negative value onto the -1 "none" sentinel.
func sentinelInt(v *int, ok bool) *int {
	if !ok {
		return nil
	}
	n := *v
	if n < 0 {
		n = -1
	}
	return &n
}
