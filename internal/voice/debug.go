package voice

import (
	"log"
	"os"
	"strings"
)

var voiceDebugEnabled = strings.EqualFold(os.Getenv("BOLLIPI_DEBUG"), "1")

func debugf(format string, args ...interface{}) {
	if voiceDebugEnabled {
		log.Printf(format, args...)
	}
}
