/*
Copyright 2023 The Millrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package rest is the HTTP flavor of the bridge API: every bridge exposes a
// JSON endpoint-resource API and a stats endpoint, and the bridge address the
// selector tracks is the base URL.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/millrace/focus/pkg/bridge"
	"github.com/millrace/focus/pkg/colibri"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
)

// Factory hands out per-bridge API adapters sharing one HTTP client. It
// implements colibri.APIFactory and bridge.StatsFetcher.
type Factory struct {
	client *http.Client
	logger *logrus.Entry
}

func NewFactory(timeout time.Duration, logger *logrus.Entry) *Factory {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Factory{
		client: &http.Client{Timeout: timeout},
		logger: logger.WithField("component", "colibri_rest"),
	}
}

func (f *Factory) APIFor(bridgeAddress string) colibri.API {
	return &api{
		base:   strings.TrimSuffix(bridgeAddress, "/"),
		client: f.client,
	}
}

// FetchStats pulls the bridge's self-reported load, for the fleet poller.
func (f *Factory) FetchStats(ctx context.Context, bridgeAddress string) (bridge.LoadReport, error) {
	var report struct {
		Version          string  `json:"version"`
		Region           string  `json:"region"`
		RelayID          string  `json:"relayId"`
		Stress           float64 `json:"stress"`
		Draining         bool    `json:"draining"`
		GracefulShutdown bool    `json:"gracefulShutdown"`
		Healthy          bool    `json:"healthy"`
	}

	adapter := &api{base: strings.TrimSuffix(bridgeAddress, "/"), client: f.client}
	if err := adapter.do(ctx, http.MethodGet, "/colibri/stats", nil, &report); err != nil {
		return bridge.LoadReport{}, err
	}
	return bridge.LoadReport{
		Version:          report.Version,
		Region:           report.Region,
		RelayID:          report.RelayID,
		Stress:           report.Stress,
		Draining:         report.Draining,
		GracefulShutdown: report.GracefulShutdown,
		Healthy:          report.Healthy,
	}, nil
}

type api struct {
	base   string
	client *http.Client
}

type endpointBody struct {
	EndpointID     string                    `json:"endpointId"`
	StatsID        string                    `json:"statsId,omitempty"`
	Media          []source.MediaType        `json:"media,omitempty"`
	InitialSources *source.EndpointSourceSet `json:"initialSources,omitempty"`
	InitialLastN   int                       `json:"initialLastN,omitempty"`
	UseSctp        bool                      `json:"useSctp,omitempty"`
	IceControlling bool                      `json:"iceControlling,omitempty"`
	SsrcRewriting  bool                      `json:"ssrcRewriting,omitempty"`
}

type allocateBody struct {
	ConferenceID string       `json:"conferenceId,omitempty"`
	RoomName     string       `json:"roomName,omitempty"`
	MeetingID    string       `json:"meetingId,omitempty"`
	Endpoint     endpointBody `json:"endpoint"`
}

type allocateReply struct {
	ConferenceID  string                   `json:"conferenceId"`
	Transport     jingle.Transport         `json:"transport"`
	BridgeSources source.EndpointSourceSet `json:"bridgeSources"`
}

func (a *api) AllocateEndpoint(ctx context.Context, request colibri.AllocateRequest) (*colibri.AllocateResponse, error) {
	body := allocateBody{
		ConferenceID: request.ConferenceID,
		RoomName:     request.RoomName,
		MeetingID:    request.MeetingID,
		Endpoint: endpointBody{
			EndpointID:     request.EndpointID,
			StatsID:        request.StatsID,
			Media:          request.Media,
			InitialLastN:   request.InitialLastN,
			UseSctp:        request.Transport.UseSctp,
			IceControlling: request.Transport.IceControlling,
			SsrcRewriting:  request.UseSsrcRewriting,
		},
	}
	if !request.InitialSources.IsEmpty() {
		sources := request.InitialSources
		body.Endpoint.InitialSources = &sources
	}

	var reply allocateReply
	if err := a.do(ctx, http.MethodPost, "/colibri/conferences", body, &reply); err != nil {
		return nil, err
	}
	return &colibri.AllocateResponse{
		ConferenceID:  reply.ConferenceID,
		Transport:     reply.Transport,
		BridgeSources: reply.BridgeSources,
	}, nil
}

type updateBody struct {
	Sources   source.ConferenceSourceMap `json:"sources,omitempty"`
	Transport *jingle.Transport          `json:"transport,omitempty"`
	ForceMute *colibri.ForceMute         `json:"forceMute,omitempty"`
}

func (a *api) UpdateEndpoint(ctx context.Context, request colibri.UpdateRequest) error {
	path := fmt.Sprintf("/colibri/conferences/%s/endpoints/%s",
		url.PathEscape(request.ConferenceID), url.PathEscape(request.EndpointID))
	body := updateBody{
		Sources:   request.Sources,
		Transport: request.Transport,
		ForceMute: request.ForceMute,
	}
	return a.do(ctx, http.MethodPatch, path, body, nil)
}

func (a *api) ExpireEndpoint(ctx context.Context, conferenceID, endpointID string) error {
	path := fmt.Sprintf("/colibri/conferences/%s/endpoints/%s",
		url.PathEscape(conferenceID), url.PathEscape(endpointID))
	return a.do(ctx, http.MethodDelete, path, nil, nil)
}

func (a *api) ExpireConference(ctx context.Context, conferenceID string) error {
	return a.do(ctx, http.MethodDelete, "/colibri/conferences/"+url.PathEscape(conferenceID), nil, nil)
}

func (a *api) SetRelays(ctx context.Context, conferenceID string, relayIDs []string) error {
	path := "/colibri/conferences/" + url.PathEscape(conferenceID) + "/relays"
	body := struct {
		Relays []string `json:"relays"`
	}{Relays: relayIDs}
	return a.do(ctx, http.MethodPut, path, body, nil)
}

// do runs one request, classifying failures into colibri error kinds.
func (a *api) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return colibri.NewError(colibri.KindBadRequest, err.Error())
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := a.client.Do(request)
	if err != nil {
		return classifyTransportError(err)
	}
	defer response.Body.Close()

	if response.StatusCode/100 != 2 {
		return classifyStatus(response)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return colibri.NewError(colibri.KindUnknown, "malformed bridge response: "+err.Error())
	}
	return nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return colibri.NewError(colibri.KindTimeout, err.Error())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return colibri.NewError(colibri.KindTimeout, err.Error())
	}
	return colibri.NewError(colibri.KindTransport, err.Error())
}

func classifyStatus(response *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	message := strings.TrimSpace(string(detail))
	if message == "" {
		message = response.Status
	}

	switch response.StatusCode {
	case http.StatusBadRequest:
		return colibri.NewError(colibri.KindBadRequest, message)
	case http.StatusNotFound:
		return colibri.NewError(colibri.KindConferenceNotFound, message)
	default:
		return colibri.NewError(colibri.KindUnknown, message)
	}
}
