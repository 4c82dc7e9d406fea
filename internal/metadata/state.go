package metadata

// Status is the loading status of one item.
type Status string

const (
	StatusNotLoaded Status = "not_loaded"
	StatusLoading   Status = "loading"
	StatusLoaded    Status = "loaded"
	StatusError     Status = "error"
)

// LoadingState is what observers render for one item. Record is set only
// for StatusLoaded and Reason only for StatusError.
type LoadingState struct {
	Status Status  `json:"status"`
	Record *Record `json:"record,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

func NotLoaded() LoadingState { return LoadingState{Status: StatusNotLoaded} }

func Loading() LoadingState { return LoadingState{Status: StatusLoading} }

func Loaded(r *Record) LoadingState { return LoadingState{Status: StatusLoaded, Record: r} }

// Failed builds an error state whose reason is the error kind followed by
// the message.
func Failed(err error) LoadingState {
	return LoadingState{Status: StatusError, Reason: string(KindOf(err)) + ": " + err.Error()}
}
