package evaluate

import (
	"math"
	"time"

	"attendguard/internal/model"
)

// MaxScore is the penalty assigned to malformed or missing evidence.
const MaxScore = 100

// Reasons attached to factor results.
const (
	ReasonMalformed       = "malformed_evidence"
	ReasonOutsideGeofence = "outside_geofence"
	ReasonUnknownDevice   = "unknown_device"
	ReasonDeviceSharing   = "device_sharing"
	ReasonLate            = "late"
	ReasonOutsideSession  = "outside_session"
	ReasonPhotoMissing    = "photo_missing"
	ReasonPhotoInvalid    = "photo_invalid"
	ReasonFaceMismatch    = "face_mismatch"
	ReasonRepeated        = "repeated_attempts"
)

// Penalties for soft findings.
const (
	UnknownDevicePenalty = 40
	SharedDevicePenalty  = 90
	LatePenalty          = 30
	advisoryBase         = 60
	insideMaxPenalty     = 20
)

func malformed(f model.Factor) model.FactorResult {
	return model.FactorResult{Factor: f, Score: MaxScore, HardFail: true, Reason: ReasonMalformed}
}

// Distance scores a location fix against the session anchor. Accuracy is
// credited to the student: only distance beyond the reported accuracy counts.
func Distance(loc *model.Location, anchor model.Anchor, strict bool) model.FactorResult {
	if loc == nil ||
		!ValidCoordinates(loc.Latitude, loc.Longitude) ||
		!ValidCoordinates(anchor.Latitude, anchor.Longitude) ||
		math.IsNaN(loc.AccuracyM) || loc.AccuracyM < 0 || anchor.RadiusM < 0 {
		return malformed(model.FactorLocation)
	}

	d := Haversine(anchor.Latitude, anchor.Longitude, loc.Latitude, loc.Longitude)
	effective := math.Max(0, d-loc.AccuracyM)

	if effective > anchor.RadiusM {
		if strict || anchor.RadiusM == 0 {
			return model.FactorResult{Factor: model.FactorLocation, Score: MaxScore, HardFail: strict, Reason: ReasonOutsideGeofence}
		}
		over := (effective - anchor.RadiusM) / anchor.RadiusM
		score := advisoryBase + int(math.Round(float64(MaxScore-advisoryBase)*math.Min(1, over)))
		return model.FactorResult{Factor: model.FactorLocation, Score: score, Reason: ReasonOutsideGeofence}
	}
	if anchor.RadiusM == 0 {
		return model.FactorResult{Factor: model.FactorLocation}
	}
	return model.FactorResult{
		Factor: model.FactorLocation,
		Score:  int(math.Round(insideMaxPenalty * effective / anchor.RadiusM)),
	}
}

// DeviceInput carries the fingerprint plus what the roster and attempt log
// know about it.
type DeviceInput struct {
	Fingerprint string
	Known       []string
	// OtherStudents are distinct students other than the submitter seen on this
	// fingerprint inside the sharing window.
	OtherStudents []string
}

// Device scores a device fingerprint.
func Device(in DeviceInput) model.FactorResult {
	if in.Fingerprint == "" {
		return malformed(model.FactorDevice)
	}
	if len(in.OtherStudents) > 0 {
		return model.FactorResult{Factor: model.FactorDevice, Score: SharedDevicePenalty, Reason: ReasonDeviceSharing}
	}
	for _, k := range in.Known {
		if k == in.Fingerprint {
			return model.FactorResult{Factor: model.FactorDevice}
		}
	}
	return model.FactorResult{Factor: model.FactorDevice, Score: UnknownDevicePenalty, Reason: ReasonUnknownDevice}
}

// Time classifies the server receive time against the session window and
// returns the attendance status it implies.
func Time(received, start, end time.Time, grace time.Duration) (model.FactorResult, model.RecordStatus) {
	if received.IsZero() || start.IsZero() || end.IsZero() || end.Before(start) || grace < 0 {
		return malformed(model.FactorTime), model.StatusAbsent
	}
	if received.Before(start) || received.After(end) {
		return model.FactorResult{Factor: model.FactorTime, Score: MaxScore, HardFail: true, Reason: ReasonOutsideSession}, model.StatusAbsent
	}
	if !received.After(start.Add(grace)) {
		return model.FactorResult{Factor: model.FactorTime}, model.StatusPresent
	}
	return model.FactorResult{Factor: model.FactorTime, Score: LatePenalty, Reason: ReasonLate}, model.StatusLate
}

// PhotoInput describes the photo evidence. FaceMatch is nil when no face
// verification was performed.
type PhotoInput struct {
	URL       string
	Trusted   bool
	FaceMatch *bool
}

// Photo hard-fails missing, untrusted or non-matching photos. It is only run
// when the policy requires a photo.
func Photo(in PhotoInput) model.FactorResult {
	switch {
	case in.URL == "":
		return model.FactorResult{Factor: model.FactorPhoto, Score: MaxScore, HardFail: true, Reason: ReasonPhotoMissing}
	case !in.Trusted:
		return model.FactorResult{Factor: model.FactorPhoto, Score: MaxScore, HardFail: true, Reason: ReasonPhotoInvalid}
	case in.FaceMatch != nil && !*in.FaceMatch:
		return model.FactorResult{Factor: model.FactorPhoto, Score: MaxScore, HardFail: true, Reason: ReasonFaceMismatch}
	}
	return model.FactorResult{Factor: model.FactorPhoto}
}

// BehaviorInput summarises the student's recent attempt history.
type BehaviorInput struct {
	RecentAttempts int
	RecentFailures int
}

// Behavior penalises bursts of attempts and prior failures.
func Behavior(in BehaviorInput) model.FactorResult {
	if in.RecentAttempts < 0 || in.RecentFailures < 0 {
		return malformed(model.FactorBehavior)
	}
	score := 15*max(0, in.RecentAttempts-1) + 25*in.RecentFailures
	if score == 0 {
		return model.FactorResult{Factor: model.FactorBehavior}
	}
	return model.FactorResult{Factor: model.FactorBehavior, Score: min(MaxScore, score), Reason: ReasonRepeated}
}
