package api

import "time"

type trackRecordRequest struct {
	Window string `query:"window" default:"30d"`
}

type signalsRequest struct {
	Tier  string `query:"tier" default:"free" validate:"oneof=free premium pro"`
	Count int    `query:"count" default:"5" validate:"gte=1,lte=50"`
}

type latestRequest struct {
	Tier string `query:"tier" default:"free" validate:"oneof=free premium pro"`
}

type entriesRequest struct {
	From  string `query:"from"`
	To    string `query:"to"`
	Limit int    `query:"limit" default:"500" validate:"gte=1,lte=5000"`
}

type verifyResponse struct {
	Valid     bool      `json:"valid"`
	CheckedAt time.Time `json:"checked_at"`
}
