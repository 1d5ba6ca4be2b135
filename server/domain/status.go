package domain

type StatusCode int

const (
	StatusProcessingNotStarted StatusCode = iota
	StatusOK
	StatusNoFacesFound
	StatusMoreThanOneFaceFound
	StatusFaceNotCentered
	StatusFaceTooBigOrTooSmall
	StatusImageTooDark
	StatusImageTooBright
	StatusChestTooFarOrNotEnoughShowing
	StatusProcessingFailed
)

var statusNames = map[StatusCode]string{
	StatusProcessingNotStarted:          "PROCESSING_NOT_STARTED",
	StatusOK:                            "OK",
	StatusNoFacesFound:                  "NO_FACES_FOUND",
	StatusMoreThanOneFaceFound:          "MORE_THAN_ONE_FACE_FOUND",
	StatusFaceNotCentered:               "FACE_NOT_CENTERED",
	StatusFaceTooBigOrTooSmall:          "FACE_TOO_BIG_OR_TOO_SMALL",
	StatusImageTooDark:                  "IMAGE_TOO_DARK",
	StatusImageTooBright:                "IMAGE_TOO_BRIGHT",
	StatusChestTooFarOrNotEnoughShowing: "CHEST_TOO_FAR_OR_NOT_ENOUGH_SHOWING",
	StatusProcessingFailed:              "PROCESSING_FAILED",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStatusCode maps a wire name back to its code. Unknown names map to
// StatusProcessingFailed.
func ParseStatusCode(name string) StatusCode {
	for code, n := range statusNames {
		if n == name {
			return code
		}
	}
	return StatusProcessingFailed
}
