// Package generation defines the boundary between the task engine and the
// external generative providers (Gemini, OpenAI-compatible APIs).
//
// A provider adapter implements Client and classifies every failure exactly
// once, at the call boundary, into one of three kinds: Transient, UsageLimit
// or Permanent. Everything downstream (the router's circuit breakers, the
// task processor's outcome mapping) inspects the Kind through KindOf and
// never looks at error text.
package generation
