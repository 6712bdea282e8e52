// Package environment names the deployment environment the service runs in
// and carries it through context.Context so log records and handlers can
// behave differently in development and production.
//
// Parse accepts the long and short spellings used in APP_ENV
// ("production"/"prod", "staging"/"stage", "development"/"dev") and falls back
// to Development for anything else.
package environment
