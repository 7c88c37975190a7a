/*
Copyright 2026 Jordi Gil.

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

// Package pipeline is the error pipeline entry point: it assigns
// identifiers, logs, optionally writes a host response, invokes a
// continuation, and schedules background analysis without awaiting it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"net/http"

	"github.com/sirupsen/logrus"

	internalerrors "github.com/jordigilh/errorscope/internal/errors"
	"github.com/jordigilh/errorscope/pkg/errorrecord"
	"github.com/jordigilh/errorscope/pkg/scheduler"
)

// Input describes one occurrence handed to Handle.
type Input struct {
	ErrorName     string
	Message       string
	StatusCode    int
	IsOperational bool
	StackTrace    string
	Context       string
}

// Responder is the narrowed host-framework surface Handle writes a
// synchronous response through. It is satisfied directly by the stdlib
// http.ResponseWriter/*http.Request pair; the host request framework
// itself is out of scope for this pipeline.
type Responder struct {
	W           http.ResponseWriter
	R           *http.Request
	PreferHTML  bool
	HeadersSent bool
}

// Continuation is invoked only when Handle did not write a response,
// mirroring a middleware chain's next(err) call. It may be nil.
type Continuation func(err error)

// Entry is the pipeline's Handle contract, holding its dependencies:
// a scheduler to hand background analysis to, and a logger for the
// structured error-severity record every invocation emits.
type Entry struct {
	scheduler *scheduler.Scheduler
	logger    *logrus.Logger
	fingerprinter func(errorName, message string, statusCode int, stack string) (full string, short string)
}

// New builds an Entry.
func New(sched *scheduler.Scheduler, logger *logrus.Logger) *Entry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Entry{scheduler: sched, logger: logger, fingerprinter: scheduler.Fingerprint}
}

// Handle implements spec.md §4.H's strict ordering:
//  1. validate err
//  2. build the ErrorRecord (uniqueName, timestamp, fingerprint)
//  3. log at error severity
//  4. optionally write a synchronous response
//  5. optionally invoke the continuation
//  6. schedule background analysis without awaiting; swallow rejections
func (e *Entry) Handle(ctx context.Context, in Input, resp *Responder, next Continuation) {
	if in.ErrorName == "" && in.Message == "" {
		e.logger.Warn("pipeline: Handle called with empty error, ignoring")
		return
	}

	full, short := e.fingerprinter(in.ErrorName, in.Message, in.StatusCode, in.StackTrace)
	record := errorrecord.New(in.ErrorName, in.Message, in.StatusCode, in.IsOperational, in.StackTrace, in.Context, full, short)

	e.logger.WithFields(logrus.Fields{
		"uniqueName":    record.UniqueName,
		"errorName":     record.ErrorName,
		"statusCode":    record.StatusCode,
		"isOperational": record.IsOperational,
		"fingerprint":   record.FingerprintID,
	}).Error(record.Message)

	responseSent := false
	if resp != nil && !resp.HeadersSent {
		e.writeResponse(resp, record)
		responseSent = true
	}

	if next != nil && !responseSent {
		next(errors.New(record.Message))
	}

	if e.scheduler == nil {
		return
	}

	go func() {
		if _, err := e.scheduler.Schedule(ctx, record); err != nil {
			var rej *internalerrors.Rejection
			if errors.As(err, &rej) {
				e.logger.WithFields(logrus.Fields{
					"fingerprint": record.FingerprintID, "reason": rej.Reason.Error(),
				}).Debug("pipeline: analysis scheduling rejected under backpressure")
				return
			}
			e.logger.WithError(err).WithField("fingerprint", record.FingerprintID).
				Warn("pipeline: failed to schedule analysis")
		}
	}()
}

func (e *Entry) writeResponse(resp *Responder, record errorrecord.Record) {
	status := record.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	if resp.PreferHTML {
		resp.W.Header().Set("Content-Type", "text/html; charset=utf-8")
		resp.W.WriteHeader(status)
		_, _ = resp.W.Write([]byte("<html><body><h1>" + html.EscapeString(record.Message) +
			"</h1><pre>" + html.EscapeString(record.StackTrace) + "</pre></body></html>"))
		return
	}

	resp.W.Header().Set("Content-Type", "application/json")
	resp.W.WriteHeader(status)
	_ = json.NewEncoder(resp.W).Encode(map[string]any{"error": record})
}
