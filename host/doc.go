// Package host supervises plugin processes. A Registry owns one PluginHost
// generation per registered plugin directory and selects hosts by
// capability and origin; a PluginHost launches its process on demand, owns
// the sessions created in it and tears it down once they are gone.
//
// Registry, hosts and sessions share one loop. Apart from Init, AddDirectory,
// RemoveDirectory and Shutdown, every method must run on it; callers outside
// the loop go through Registry.Loop().Call.
package host
