// Command ferry bundles a static site build into a serverless function and
// serves it locally.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
