/*
Package config loads the adapter's mount configuration: one YAML document
declaring how each local directory should be mounted and which connector
backs it.

# Structure

	logging:
	  level: INFO
	  format: text
	  file: /var/log/fuseadapter/adapter.log
	  rotation:
	    max_size_mb: 100
	    max_backups: 5
	    compress: true

	metrics:
	  enabled: false
	  addr: ":9100"
	  path: /metrics

	connectors:
	  s3:
	    region: us-west-2
	    force_path_style: false

	mounts:
	  - path: /mnt/data
	    connector:
	      type: s3
	      s3:
	        bucket: my-bucket
	        prefix: data/
	    cache:
	      dir: /var/cache/fuseadapter/data
	      max_size: 4GB
	      flush_interval: 30s

Per-mount connector fields that are left empty inherit from the matching
section under connectors: ResolveS3 performs that merge and returns the
fully-resolved configuration a connector constructor needs.

# Environment overrides

	FUSEADAPTER_LOG_LEVEL
	FUSEADAPTER_LOG_FORMAT
	FUSEADAPTER_LOG_FILE

These override the logging section after the file is parsed, so a
deployment can bump verbosity without editing the mounted config file.
*/
package config
