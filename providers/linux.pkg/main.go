// Command linux.pkg is a Cloud Adapter plugin that reports and manages the
// packages installed across a fleet of Linux hosts. It compiles to a WASI
// reactor module loaded by the reconciler's WASM host.
//
// Scopes map onto the fleet as provider "linux", account = fleet and
// region = site. Every package is a resource of type "linux.package" whose
// native ID is "<host>/<package>".
package main

func main() {}
