package dialog

import (
	"log"
	"os"
	"strings"
)

var dialogDebugEnabled = strings.EqualFold(os.Getenv("BOLLIPI_DEBUG"), "1")

func debugf(format string, args ...interface{}) {
	if dialogDebugEnabled {
		log.Printf(format, args...)
	}
}
