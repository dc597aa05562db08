package cmd

import (
	"fmt"
	"io"
)

const banner = `
   __ _ _   _ _ _ __ ___ 
  / _` + "`" + ` | | | | | '__/ _ \
 | (_| | |_| | | | |  __/
  \__, |\__,_|_|_|  \___|
     |_|                 
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Identity & Session Service - Version %s\x1b[0m\n\n", Version)
}
