package main

import (
	"github.com/ZeduloTech/hardwarePrefetching/cmd"
)

func main() {
	cmd.Execute()
}
