package crs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// conusAlbers is NAD83 / Conus Albers, common for US federal datasets.
const conusAlbers CRS = 5070

var (
	authorityRe = regexp.MustCompile(`AUTHORITY\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]`)
	utmZoneRe   = regexp.MustCompile(`(?i)UTM[_ ]zone[_ ](\d{1,2})([NS])`)
)

// FromWKT sniffs the CRS out of an OGC or ESRI WKT string, as found in
// shapefile .prj sidecars. An EPSG AUTHORITY clause is trusted for any
// code the EPSG repository knows; without one, only the UTM, Conus Albers
// and Web Mercator names are recognized.
func FromWKT(wkt string) (CRS, error) {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" {
		return Unknown, eris.New("crs: empty WKT")
	}

	// The outermost AUTHORITY is the last one in the string.
	if m := authorityRe.FindAllStringSubmatch(wkt, -1); len(m) > 0 {
		code, _ := strconv.Atoi(m[len(m)-1][1])
		if c := CRS(code); c.Supported() {
			return c, nil
		}
	}

	projected := strings.HasPrefix(strings.ToUpper(wkt), "PROJCS")
	nad83 := strings.Contains(wkt, "North_American_1983") || strings.Contains(wkt, "NAD83")
	etrs89 := strings.Contains(wkt, "ETRS_1989") || strings.Contains(wkt, "ETRS89")

	if m := utmZoneRe.FindStringSubmatch(wkt); projected && m != nil {
		zone, _ := strconv.Atoi(m[1])
		north := strings.EqualFold(m[2], "N")
		switch {
		case nad83 && north && zone <= 23:
			return CRS(26900 + zone), nil
		case etrs89 && north && CRS(25800+zone).Supported():
			return CRS(25800 + zone), nil
		}
		return UTM(zone, north), nil
	}
	if projected && strings.Contains(wkt, "NAD_1983_Contiguous_USA_Albers") && conusAlbers.Supported() {
		return conusAlbers, nil
	}

	if projected {
		for _, marker := range []string{"Mercator_Auxiliary_Sphere", "Pseudo-Mercator", "Popular Visualisation"} {
			if strings.Contains(wkt, marker) {
				return WebMercator, nil
			}
		}
		return Unknown, eris.Wrapf(ErrUnsupported, "crs: projected WKT %.40q", wkt)
	}

	if strings.HasPrefix(strings.ToUpper(wkt), "GEOGCS") {
		if nad83 {
			return NAD83, nil
		}
		if strings.Contains(wkt, "WGS_1984") || strings.Contains(wkt, "WGS 84") || strings.Contains(wkt, "WGS84") {
			return WGS84, nil
		}
	}
	return Unknown, eris.Wrapf(ErrUnsupported, "crs: WKT %.40q", wkt)
}

// ReadPRJ reads the .prj sidecar of a shapefile. It returns Unknown with a
// nil error when there is no sidecar.
func ReadPRJ(shpPath string) (CRS, error) {
	prj := strings.TrimSuffix(shpPath, filepath.Ext(shpPath)) + ".prj"
	data, err := os.ReadFile(prj)
	if os.IsNotExist(err) {
		return Unknown, nil
	}
	if err != nil {
		return Unknown, eris.Wrapf(err, "crs: read %s", prj)
	}
	return FromWKT(string(data))
}

func centralMeridian(zone int) float64 {
	return float64(zone-1)*6 - 180 + 3
}

const geogWGS84 = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

const geogNAD83 = `GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// WKT renders the ESRI flavour of WKT for a shapefile .prj sidecar. Only
// geographic WGS84/NAD83, Web Mercator and the UTM zones have a template;
// other codes return ErrUnsupported.
func WKT(c CRS) (string, error) {
	switch c {
	case WGS84:
		return geogWGS84, nil
	case NAD83:
		return geogNAD83, nil
	case WebMercator:
		return `PROJCS["WGS_1984_Web_Mercator_Auxiliary_Sphere",` + geogWGS84 +
			`,PROJECTION["Mercator_Auxiliary_Sphere"],PARAMETER["False_Easting",0.0],PARAMETER["False_Northing",0.0],` +
			`PARAMETER["Central_Meridian",0.0],PARAMETER["Standard_Parallel_1",0.0],PARAMETER["Auxiliary_Sphere_Type",0.0],UNIT["Meter",1.0]]`, nil
	}
	zone, north, ok := c.utmZone()
	if !ok {
		return "", eris.Wrapf(ErrUnsupported, "crs: %s", c)
	}
	name, geog := fmt.Sprintf("WGS_1984_UTM_Zone_%d", zone), geogWGS84
	if int(c) < 30000 {
		name, geog = fmt.Sprintf("NAD_1983_UTM_Zone_%d", zone), geogNAD83
	}
	hemi, northing := "N", 0.0
	if !north {
		hemi, northing = "S", 10000000.0
	}
	return fmt.Sprintf(`PROJCS["%s%s",%s,PROJECTION["Transverse_Mercator"],PARAMETER["False_Easting",500000.0],`+
		`PARAMETER["False_Northing",%.1f],PARAMETER["Central_Meridian",%.1f],PARAMETER["Scale_Factor",0.9996],`+
		`PARAMETER["Latitude_Of_Origin",0.0],UNIT["Meter",1.0]]`,
		name, hemi, geog, northing, centralMeridian(zone)), nil
}
