package spdy

// headerDictionary is the fixed SPDY/2 header-compression dictionary. Both
// peers prime their DEFLATE contexts with it before the first header block;
// it never appears on the wire. The trailing NUL byte is part of the
// dictionary.
const headerDictionary = "optionsgetheadpostputdeletetraceacceptaccept-charsetaccept-encodingaccept-la" +
	"nguageauthorizationexpectfromhostif-modified-sinceif-matchif-none-matchif-ra" +
	"ngeif-unmodifiedsincemax-forwardsproxy-authorizationrangerefererteuser-agent" +
	"1001012002012022032042052063003013023033043053063074004014024034044054064074" +
	"08409410411412413414415416417500501502503504505accept-rangesageetaglocationp" +
	"roxy-authenticatepublicretry-afterservervarywarningwww-authenticateallowcont" +
	"ent-basecontent-encodingcache-controlconnectiondatetrailertransfer-encodingu" +
	"pgradeviawarningcontent-languagecontent-lengthcontent-locationcontent-md5con" +
	"tent-rangecontent-typeetagexpireslast-modifiedset-cookieMondayTuesdayWednesd" +
	"ayThursdayFridaySaturdaySundayJanFebMarAprMayJunJulAugSepOctNovDecchunkedtex" +
	"t/htmlimage/pngimage/jpgimage/gifapplication/xmlapplication/xhtmltext/plainp" +
	"ublicmax-agecharset=iso-8859-1utf-8gzipdeflateHTTP/1.1statusversionurl" + "\x00"
