package webui

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const protobufContentType = "application/x-protobuf"

// wantsProtobuf reports whether the client prefers Protobuf over JSON.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, protobufContentType)
}

// marshalProto encodes payload as a google.protobuf.Struct via its JSON form.
func marshalProto(payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return jsonToProto(jsonData)
}

func jsonToProto(jsonData []byte) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return proto.Marshal(st)
}

// SerializedEvent holds an event pre-serialized in both formats.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized Protobuf (base64 encoded for SSE)
}

func serializeEvent(payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("JSON marshal: %w", err)
	}
	pbData, err := jsonToProto(jsonData)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// writePayload writes payload as JSON, or as Protobuf when the client asks for it.
func writePayload(w http.ResponseWriter, r *http.Request, payload any, status int) {
	if wantsProtobuf(r) {
		data, err := marshalProto(payload)
		if err == nil {
			w.Header().Set("Content-Type", protobufContentType)
			w.WriteHeader(status)
			_, _ = w.Write(data)
			return
		}
	}
	writeJSONWithStatus(w, payload, status)
}
