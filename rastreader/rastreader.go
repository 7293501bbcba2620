// Package rastreader downloads GeoTIFF rasters, decodes their samples and
// converts their bounding boxes to WGS84 latitude/longitude.
//
// Rasters are fetched over HTTP(S) or from Cloud Storage (gs:// URLs);
// objects stored with a .snp suffix are snappy compressed. The Solar API
// key is only ever sent to the provider host.
package rastreader
