// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package app

import "context"

// Publisher receives view updates. Only the latest update matters, so a
// *watch.Value[ViewUpdate] is the usual implementation.
type Publisher interface {
	Send(update ViewUpdate)
}

// Picker lets the user choose where received content goes. ok is false
// when the user dismissed the prompt; the flow then falls back to its
// default location.
type Picker interface {
	// PickFile asks for the path of a single received file
	PickFile(ctx context.Context, suggestedName string) (path string, ok bool, err error)
	// PickDir asks for the directory that receives a collection
	PickDir(ctx context.Context) (path string, ok bool, err error)
}

type discardPublisher struct{}

func (discardPublisher) Send(ViewUpdate) {}
