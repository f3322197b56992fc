// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/scgenomics/peaklink"
)

func main() {
	peaklink.Main()
}
