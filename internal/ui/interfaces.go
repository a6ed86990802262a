// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ui

import "peerdrop/internal/app"

// InteractiveUI defines the interface for user interactions
type InteractiveUI interface {
	// Send renders a view update from a running flow
	app.Publisher

	// PickFile and PickDir choose where received content is written
	app.Picker

	// ShowMessage displays a message to the user
	ShowMessage(message string)
}
