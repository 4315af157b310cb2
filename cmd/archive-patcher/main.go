package main

import "os"

func main() {
	_ = newApp().Run(os.Args)
}
