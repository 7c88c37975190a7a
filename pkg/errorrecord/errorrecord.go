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

// Package errorrecord defines the immutable ErrorRecord value shared by
// the pipeline entry and the scheduler, and the bounded-size Signature
// derived from it for queue-side storage.
package errorrecord

import (
	"time"

	"github.com/google/uuid"
)

const (
	maxSignatureMessage = 200
	maxSignatureName    = 50
)

// Record is an immutable value describing one error occurrence.
type Record struct {
	UniqueName    string
	ErrorName     string
	Message       string
	StatusCode    int
	IsOperational bool
	StackTrace    string
	Timestamp     time.Time
	Context       string
	FingerprintID string // full digest
	SignatureID   string // 16-hex truncated digest, queue-side ID
}

// New builds a Record, assigning a fresh UniqueName and defaulting
// StatusCode/IsOperational per spec.md §3.
func New(errorName, message string, statusCode int, isOperational bool, stack, context, fingerprintID, signatureID string) Record {
	if statusCode == 0 {
		statusCode = 500
	}
	return Record{
		UniqueName:    uuid.NewString(),
		ErrorName:     errorName,
		Message:       message,
		StatusCode:    statusCode,
		IsOperational: isOperational,
		StackTrace:    stack,
		Timestamp:     time.Now(),
		Context:       context,
		FingerprintID: fingerprintID,
		SignatureID:   signatureID,
	}
}

// Signature is the bounded-size copy of a Record carried by a queued
// task, so the queue's memory footprint does not scale with stack trace
// or context size. The full Record lives only in the cache, under
// "error_full_<signatureID>" (see CacheKeyFull).
type Signature struct {
	FingerprintID string
	ErrorName     string
	Message       string
	StatusCode    int
	EnqueuedAt    time.Time
}

// ToSignature truncates name/message per spec.md §3's bounds.
func (r Record) ToSignature() Signature {
	name := r.ErrorName
	if len(name) > maxSignatureName {
		name = name[:maxSignatureName]
	}
	msg := r.Message
	if len(msg) > maxSignatureMessage {
		msg = msg[:maxSignatureMessage]
	}
	return Signature{
		FingerprintID: r.FingerprintID,
		ErrorName:     name,
		Message:       msg,
		StatusCode:    r.StatusCode,
		EnqueuedAt:    time.Now(),
	}
}

// EstimateSize approximates the in-memory footprint of a Signature, used
// by the scheduler's admission check under Critical pressure.
func (s Signature) EstimateSize() int {
	return len(s.FingerprintID) + len(s.ErrorName) + len(s.Message) + 64
}

// CacheKeyFull returns the cache key under which the full Record is
// stored, keyed by signature ID (the first 16 hex characters of the
// fingerprint). Every occurrence of the same fingerprint maps to the same
// key, so a later occurrence overwrites the earlier full error+context.
func CacheKeyFull(signatureID string) string {
	return "error_full_" + signatureID
}
