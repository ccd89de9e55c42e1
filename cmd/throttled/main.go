// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Command throttled rate limits HTTP clients identified by their
// forwarding headers.
package main

import (
	"fmt"
	"os"

	"go.gearno.de/throttle/internal/throttled"
	"go.gearno.de/throttle/unit"
)

var (
	version     = "dev"
	environment = "production"
)

func main() {
	u := unit.NewUnit("throttled", version, environment, throttled.New())

	if err := u.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "throttled: %v\n", err)
		os.Exit(1)
	}
}
