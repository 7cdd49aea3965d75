package main

import "go.pilab.hu/fitsync/cmd/fitsyncctl/cmd"

func main() {
	cmd.Execute()
}
