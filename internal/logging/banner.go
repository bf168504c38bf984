package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	dim    = "\033[2m"
)

var logoLines = [6]string{
	`  _____ _           _   `,
	` |  ___| | ___  ___| |_ `,
	` | |_  | |/ _ \/ _ \ __|`,
	` |  _| | |  __/  __/ |_ `,
	` |_|   |_|\___|\___|\__|`,
	`                        `,
}

var serveArt = [6]string{
	`  ____                      `,
	` / ___|  ___ _ ____   _____ `,
	` \___ \ / _ \ '__\ \ / / _ \`,
	`  ___) |  __/ |   \ V /  __/`,
	` |____/ \___|_|    \_/ \___|`,
	`                            `,
}

var compoundArt = [6]string{
	`   ____                                            _ `,
	`  / ___|___  _ __ ___  _ __   ___  _   _ _ __   __| |`,
	` | |   / _ \| '_ ` + "`" + ` _ \| '_ \ / _ \| | | | '_ \ / _` + "`" + ` |`,
	` | |__| (_) | | | | | | |_) | (_) | |_| | | | | (_| |`,
	`  \____\___/|_| |_| |_| .__/ \___/ \__,_|_| |_|\__,_|`,
	`                      |_|                             `,
}

// PrintBanner prints the Fleet ASCII art logo with mode-specific art
// appended to the right, then version and listen address. Colors are
// used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[6]string
	var modeColor string
	switch mode {
	case "compound":
		modeArt = &compoundArt
		modeColor = yellow
	default:
		modeArt = &serveArt
		modeColor = green
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}
