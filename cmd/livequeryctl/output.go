package main

import (
	"io"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/livequery/internal/controller"
	"github.com/coachpo/livequery/internal/domain/schema"
)

type stateView struct {
	Data    []schema.Record `json:"data"`
	Loading bool            `json:"loading"`
	Error   string          `json:"error,omitempty"`
	Class   string          `json:"class,omitempty"`
	IsEmpty bool            `json:"isEmpty"`
}

type notificationView struct {
	ID         string    `json:"id"`
	Consumer   string    `json:"consumer"`
	Collection string    `json:"collection"`
	Message    string    `json:"message"`
	Class      string    `json:"class"`
	At         time.Time `json:"at"`
}

func viewOf(state controller.State) stateView {
	view := stateView{
		Data:    state.Data,
		Loading: state.Loading,
		Error:   state.Error,
		IsEmpty: state.IsEmpty,
	}
	if view.Data == nil {
		view.Data = []schema.Record{}
	}
	if state.Err != nil {
		view.Class = state.Class.String()
	}
	return view
}

func writeLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
