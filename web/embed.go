package web

import (
	_ "embed"
)

//go:embed welcome.html
var WelcomeHTML []byte
