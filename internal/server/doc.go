// Package server receives GitHub push webhooks and deploys the pushed app.
//
// Routes:
//   - POST /in/{app}: HMAC-SHA256 signed push event; a push to the app's
//     branch starts a deployment in the background and answers 202
//   - GET /health: liveness plus the configured apps
//   - GET /status/{app}: slots and recent runs from the state store
//
// One deployment per app runs at a time; a push that arrives while one is
// running is answered with 429.
package server
