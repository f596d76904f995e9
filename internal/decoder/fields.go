package decoder

// Logical fields. Each resolves through an ordered list of payload keys; the
// first key present in a payload wins. Newer broadcaster generations are
// supported by adding names here, not by adding branches.
const (
	fieldKind = "kind"

	fieldRoadLimit    = "road_limit"
	fieldRoadName     = "road_name"
	fieldRoadCategory = "road_category"

	fieldLat     = "lat"
	fieldLon     = "lon"
	fieldHeading = "heading"

	fieldTurnDist = "turn_dist"
	fieldTurnType = "turn_type"

	fieldCameraType  = "camera_type"
	fieldCameraLimit = "camera_limit"
	fieldCameraDist  = "camera_dist"
	fieldBlockType   = "block_type"
	fieldBlockLimit  = "block_limit"
	fieldBlockDist   = "block_dist"

	fieldGoalDist = "goal_dist"
	fieldGoalTime = "goal_time"

	fieldLightState = "light_state"
	fieldLightSec   = "light_sec"
	fieldLightDist  = "light_dist"

	fieldSapaName     = "sapa_name"
	fieldSapaDist     = "sapa_dist"
	fieldSapaType     = "sapa_type"
	fieldNextSapaName = "next_sapa_name"
	fieldNextSapaDist = "next_sapa_dist"
	fieldNextSapaType = "next_sapa_type"

	fieldETA = "eta_text"

	fieldNextNextTurn = "next_next_turn"
	fieldNextNextRoad = "next_next_road"

	fieldTMCSegments = "tmc_segments"
	fieldTMCStatus   = "tmc_status"
	fieldTMCDist     = "tmc_dist"
)

var defaultCandidates = map[string][]string{
	fieldKind: {"KEY_TYPE", "keyType", "key_type"},

	fieldRoadLimit:    {"nRoadLimitSpeed", "LIMITED_SPEED", "limitedSpeed", "limited_speed"},
	fieldRoadName:     {"szPosRoadName", "CUR_ROAD_NAME", "curRoadName", "cur_road_name"},
	fieldRoadCategory: {"roadcate", "ROAD_TYPE", "roadType", "road_type"},

	fieldLat:     {"latitude", "CAR_LATITUDE", "vpPosPointLat", "carLatitude", "lat"},
	fieldLon:     {"longitude", "CAR_LONGITUDE", "vpPosPointLon", "carLongitude", "lon"},
	fieldHeading: {"heading", "CAR_DIRECTION", "nPosAngle", "carDirection", "bearing"},

	fieldTurnDist: {"nTBTDist", "SEG_REMAIN_DIS", "segRemainDis", "seg_remain_dis"},
	fieldTurnType: {"nTBTTurnType", "ICON", "NEW_ICON", "icon", "newIcon"},

	fieldCameraType:  {"nSdiType", "CAMERA_TYPE", "cameraType", "camera_type"},
	fieldCameraLimit: {"nSdiSpeedLimit", "CAMERA_SPEED", "cameraSpeed", "camera_speed"},
	fieldCameraDist:  {"nSdiDist", "CAMERA_DIST", "cameraDist", "camera_dist"},
	fieldBlockType:   {"nSdiBlockType", "INTERVAL_CAMERA_TYPE", "intervalCameraType"},
	fieldBlockLimit:  {"nSdiBlockSpeed", "INTERVAL_CAMERA_SPEED", "intervalCameraSpeed"},
	fieldBlockDist:   {"nSdiBlockDist", "INTERVAL_CAMERA_DIST", "intervalCameraDist"},

	fieldGoalDist: {"nGoPosDist", "ROUTE_REMAIN_DIS", "routeRemainDis", "route_remain_dis"},
	fieldGoalTime: {"nGoPosTime", "ROUTE_REMAIN_TIME", "routeRemainTime", "route_remain_time"},

	fieldLightState: {"nTrafficLight", "trafficLightStatus", "TRAFFIC_LIGHT_STATUS", "traffic_light_status"},
	fieldLightSec:   {"nTrafficLightSec", "redLightCountDownSeconds", "TRAFFIC_LIGHT_COUNTDOWN", "countdown"},
	fieldLightDist:  {"nTrafficLightDist", "TRAFFIC_LIGHT_DIS", "trafficLightDis"},

	fieldSapaName:     {"sapaName", "SAPA_NAME", "sapa_name"},
	fieldSapaDist:     {"sapaDist", "SAPA_DIST", "sapa_dist"},
	fieldSapaType:     {"sapaType", "SAPA_TYPE", "sapa_type"},
	fieldNextSapaName: {"nextSapaName", "NEXT_SAPA_NAME", "next_sapa_name"},
	fieldNextSapaDist: {"nextSapaDist", "NEXT_SAPA_DIST", "next_sapa_dist"},
	fieldNextSapaType: {"nextSapaType", "NEXT_SAPA_TYPE", "next_sapa_type"},

	fieldETA: {"etaText", "ETA_TEXT", "arriveTime", "eta_text"},

	fieldNextNextTurn: {"nextNextTurnIcon", "NEXT_NEXT_TURN_ICON", "nextNextIcon"},
	fieldNextNextRoad: {"nextNextRoadName", "NEXT_NEXT_ROAD_NAME", "nextNextRoad"},

	fieldTMCSegments: {"tmc_segments", "TMC_SEGMENTS", "tmcSegments", "tmc_info"},
	fieldTMCStatus:   {"tmc_status", "TMC_STATUS", "status"},
	fieldTMCDist:     {"tmc_segment_distance", "TMC_SEGMENT_DISTANCE", "distance", "dist"},
}

// Record kinds carried in the discriminator field.
const (
	kindCodeNavigation   = 10001
	kindCodeTrafficLight = 60073
	kindCodeCongestion   = 13011
)

// Camera type codes marking the start and end of an average-speed section.
const (
	CameraBlockStart = 5
	CameraBlockEnd   = 6
)

// TMC severities.
const (
	tmcSlow   = 2
	tmcJam    = 3
	tmcSevere = 4
)

func copyCandidates(src map[string][]string) map[string][]string {
	out := make(map[string][]string, len(src))
	for k, v := range src {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// IsField reports whether name is a logical field that accepts extra payload
// key names through WithCandidates.
func IsField(name string) bool {
	if name == fieldKind {
		return false
	}
	_, ok := defaultCandidates[name]
	return ok
}
