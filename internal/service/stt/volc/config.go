package volc

import "time"

// Provider is the provider label used in logs and metrics.
const Provider = "volc"

// SuccessCode is the backend result code for a healthy session.
const SuccessCode = 1000

// Authentication modes.
const (
	AuthToken     = "token"
	AuthSignature = "signature"
)

// Config holds the connection and recognition parameters of one session.
type Config struct {
	URL      string
	AppID    string
	Cluster  string
	Token    string
	Secret   string
	AuthMode string // token, signature

	UID            string
	Workflow       string
	NBest          int
	ShowLanguage   bool
	ShowUtterances bool
	ResultType     string // full, single; empty lets the backend decide

	Format   string
	Rate     int
	Language string
	Bits     int
	Channel  int
	Codec    string

	HandshakeTimeout time.Duration
}

// DefaultConfig returns the recognition defaults of the backend.
func DefaultConfig() Config {
	return Config{
		URL:              "wss://openspeech.bytedance.com/api/v2/asr",
		AuthMode:         AuthToken,
		UID:              "streaming_asr_demo",
		Workflow:         "audio_in,resample,partition,vad,fe,decode,itn,nlu_punctuate",
		NBest:            1,
		ShowUtterances:   true,
		Format:           "wav",
		Rate:             16000,
		Language:         "zh-CN",
		Bits:             16,
		Channel:          1,
		Codec:            "raw",
		HandshakeTimeout: 10 * time.Second,
	}
}

type fullRequest struct {
	App     appParams     `json:"app"`
	User    userParams    `json:"user"`
	Request requestParams `json:"request"`
	Audio   audioParams   `json:"audio"`
}

type appParams struct {
	AppID   string `json:"appid"`
	Cluster string `json:"cluster"`
	Token   string `json:"token"`
}

type userParams struct {
	UID string `json:"uid"`
}

type requestParams struct {
	ReqID          string `json:"reqid"`
	NBest          int    `json:"nbest"`
	Workflow       string `json:"workflow"`
	ShowLanguage   bool   `json:"show_language"`
	ShowUtterances bool   `json:"show_utterances"`
	ResultType     string `json:"result_type,omitempty"`
	Sequence       int    `json:"sequence"`
}

type audioParams struct {
	Format   string `json:"format"`
	Rate     int    `json:"rate"`
	Language string `json:"language"`
	Bits     int    `json:"bits"`
	Channel  int    `json:"channel"`
	Codec    string `json:"codec"`
}

func (c Config) request(reqID string) fullRequest {
	return fullRequest{
		App:  appParams{AppID: c.AppID, Cluster: c.Cluster, Token: c.Token},
		User: userParams{UID: c.UID},
		Request: requestParams{
			ReqID:          reqID,
			NBest:          c.NBest,
			Workflow:       c.Workflow,
			ShowLanguage:   c.ShowLanguage,
			ShowUtterances: c.ShowUtterances,
			ResultType:     c.ResultType,
			Sequence:       1,
		},
		Audio: audioParams{
			Format:   c.Format,
			Rate:     c.Rate,
			Language: c.Language,
			Bits:     c.Bits,
			Channel:  c.Channel,
			Codec:    c.Codec,
		},
	}
}

// response is the JSON body of a server frame.
type response struct {
	ReqID    string   `json:"reqid"`
	Code     *int64   `json:"code"`
	Message  string   `json:"message"`
	Sequence int32    `json:"sequence"`
	Result   []result `json:"result"`
}

type result struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Utterances []utterance `json:"utterances"`
}

type utterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}
