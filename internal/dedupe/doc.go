// Package dedupe tracks which (request, category) pairs already produced a
// security event, so repeated detections inside one request are logged once.
package dedupe
