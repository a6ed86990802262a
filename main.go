// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// peerdrop sends files and directories between peers by ticket
package main

import "peerdrop/cmd"

func main() {
	cmd.Execute()
}
