// Package alerting fans alertable failures out to notification channels.
package alerting
