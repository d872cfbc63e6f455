// Package mediaplugin runs third-party video codec plugins (GMP-style
// shared libraries) in an isolated process and exposes them to a media
// engine as ordinary encoders and decoders.
//
// Key pieces include:
//   - PluginHost, the controller inside the isolated process that loads a
//     plugin, owns its codec actors and serves the actor channel
//   - PluginService, the host-side handle on one isolated process and the
//     worker goroutine through which every call into it is serialized
//   - VideoEncoderAdapter and VideoDecoderAdapter, the engine-facing
//     VideoEncoder and VideoDecoder backed by plugin actors
//   - NALCursor and SplitAnnexB for Annex-B bitstreams, and the frame type
//     translation between the engine and plugin enumerations
//   - VideoConduit, TrackTransport and BenchmarkSession for moving encoded
//     units over RTP
//
// # Architecture
//
//	Engine -> VideoEncoderAdapter -> Worker -> Channel -> PluginHost -> plugin encoder
//	plugin encoder -> Encoded -> Channel -> Worker -> NAL split -> EncodedImageCallback
//	RTP -> VideoConduit -> VideoDecoderAdapter -> ... -> plugin decoder -> DecodedImageCallback
//
// Calls into a plugin service block the caller until the worker has run
// them. Encoder output for a frame is always delivered before the Encode
// call that produced it returns.
//
// # Plugins
//
// A plugin lives in a directory named gmp-<name> holding lib<name>.so
// (lib<name>.dylib, <name>.dll). Plugins compiled into the binary with
// RegisterPlugin are found first; the built-in "loopback" plugin is a tiny
// lossy H.264-shaped codec used by tests and the benchmark.
//
// The plugin host binary is gmp-plugin-host, or GMP_PLUGIN_HOST_BIN.
package mediaplugin
